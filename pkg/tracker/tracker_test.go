package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/pattern"
	"github.com/nevenoomo/netcat/pkg/recorder"
	"github.com/nevenoomo/netcat/pkg/rpp"
	"github.com/nevenoomo/netcat/pkg/transport/local"
)

func tinyParams() cacheparams.Params {
	return cacheparams.Params{
		BytesPerLine:   2048,
		Associativity:  2,
		ReachableLines: 2,
		CacheSize:      4 * 2 * 2048,
		AddrNum:        120,
	}
}

func TestBuilder_RequiresAllCollaborators(t *testing.T) {
	params := tinyParams()
	conn, err := local.New(params, local.DefaultLatencies, 1)
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}

	_, err = NewBuilder().
		WithCacheConnector(conn).
		WithPacketSender(conn).
		WithCacheParams(params).
		Build(context.Background())
	if !errors.Is(err, ErrBuilderIncomplete) {
		t.Fatalf("Build() without a recorder error = %v, want ErrBuilderIncomplete", err)
	}
}

func TestTrack_BeforeInitReturnsErrUninitialized(t *testing.T) {
	params := tinyParams()
	conn, err := local.New(params, local.DefaultLatencies, 1)
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	mem := &recorder.Memory{}

	tr, err := NewBuilder().
		WithCacheConnector(conn).
		WithPacketSender(conn).
		WithRecorder(mem).
		WithCacheParams(params).
		WithQuiet(true).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := tr.Track(context.Background(), 1); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("Track() before Init() error = %v, want ErrUninitialized", err)
	}
}

func TestToSetCodesAndActivationHelpers(t *testing.T) {
	win := []pattern.SetCode{{Color: 1, ColoredIndex: 2}, {Color: 1, ColoredIndex: 3}}
	codes := toSetCodes(win)
	if len(codes) != 2 || codes[0].Color != 1 || codes[0].ColoredIndex != 2 {
		t.Fatalf("toSetCodes() = %+v", codes)
	}

	results := []rpp.ProbeResult{{Activated: false}, {Activated: true}}
	if !hasActivation(results) {
		t.Fatal("hasActivation() = false, want true")
	}
	flags := activationFlags(results)
	if !(len(flags) == 2 && !flags[0] && flags[1]) {
		t.Fatalf("activationFlags() = %v", flags)
	}

	outcomes := toProbeOutcomes(results)
	if len(outcomes) != 2 || outcomes[1].Activated != true {
		t.Fatalf("toProbeOutcomes() = %+v", outcomes)
	}
}

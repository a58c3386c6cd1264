package rpp

import (
	"context"
	"testing"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/transport/local"
)

// tinyParams describes a synthetic LLC small enough to profile quickly in
// tests: 2 colors, 2 colored indices per color, eviction sets of size 2.
func tinyParams() cacheparams.Params {
	return cacheparams.Params{
		BytesPerLine:   2048,
		Associativity:  2,
		ReachableLines: 2,
		CacheSize:      4 * 2 * 2048, // n_sets=4, n_sets_per_page=2, n_colors=2
		AddrNum:        120,
	}
}

func newTestEngine(t *testing.T) (*Engine, cacheparams.Derived) {
	t.Helper()
	params := tinyParams()
	conn, err := local.New(params, local.DefaultLatencies, 42)
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	ctx := context.Background()
	e, err := New(ctx, conn, params, true, WithSeed(99))
	if err != nil {
		t.Fatalf("rpp.New: %v", err)
	}
	return e, params.Derive()
}

func TestNew_BuildsEveryColorAndSet(t *testing.T) {
	e, derived := newTestEngine(t)

	if e.ColorsLen() != derived.NColors {
		t.Fatalf("ColorsLen() = %d, want %d", e.ColorsLen(), derived.NColors)
	}
	for c := 0; c < e.ColorsLen(); c++ {
		if e.ColorLen(c) != derived.NSetsPerPage {
			t.Fatalf("ColorLen(%d) = %d, want %d", c, e.ColorLen(c), derived.NSetsPerPage)
		}
	}
}

func TestSetAt_EvictionSetHasReachableLinesAddresses(t *testing.T) {
	e, derived := newTestEngine(t)
	params := tinyParams()

	for c := 0; c < derived.NColors; c++ {
		for i := 0; i < derived.NSetsPerPage; i++ {
			set, err := e.setAt(SetCode{Color: c, ColoredIndex: i})
			if err != nil {
				t.Fatalf("setAt(%d,%d): %v", c, i, err)
			}
			if len(set) != params.ReachableLines {
				t.Fatalf("len(set(%d,%d)) = %d, want %d", c, i, len(set), params.ReachableLines)
			}
		}
	}
}

func TestPrimeThenProbe_StaleAfterPriming(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	sc := SetCode{Color: 0, ColoredIndex: 0}

	if err := e.Prime(ctx, sc); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	result, err := e.Probe(ctx, sc)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	// Immediately after priming, every member of the set is resident: a
	// probe should find nothing evicted yet.
	if result.Activated {
		t.Fatal("Probe() reported activation immediately after Prime(), want none")
	}

	// Now prime the set of a different colored index in the same color:
	// its addresses map to a different cache set.
	other := SetCode{Color: 0, ColoredIndex: 1}
	if err := e.Prime(ctx, other); err != nil {
		t.Fatalf("Prime(other): %v", err)
	}
	// Priming a different colored index must not disturb this one.
	result, err = e.Probe(ctx, sc)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.Activated {
		t.Fatal("priming an unrelated set should not evict this one")
	}
}

func TestAllAddressesUsedAtMostOnce(t *testing.T) {
	e, derived := newTestEngine(t)
	seen := make(map[uint64]bool)
	for c := 0; c < derived.NColors; c++ {
		for i := 0; i < derived.NSetsPerPage; i++ {
			set, err := e.setAt(SetCode{Color: c, ColoredIndex: i})
			if err != nil {
				t.Fatalf("setAt(%d,%d): %v", c, i, err)
			}
			for _, a := range set {
				if seen[uint64(a)] {
					t.Fatalf("address %d used in more than one eviction set", a)
				}
				seen[uint64(a)] = true
			}
		}
	}
}

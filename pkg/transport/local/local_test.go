package local

import (
	"context"
	"testing"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/transport"
)

func testParams(t *testing.T) cacheparams.Params {
	t.Helper()
	p, err := cacheparams.Lookup(cacheparams.ProfileI7)
	if err != nil {
		t.Fatalf("lookup profile: %v", err)
	}
	return p
}

func TestConnector_FirstAccessIsMiss(t *testing.T) {
	c, err := New(testParams(t), DefaultLatencies, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.Reserve(ctx, c.derived.VBuf); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	nanos, err := c.TimeAccess(ctx, 0)
	if err != nil {
		t.Fatalf("TimeAccess: %v", err)
	}
	if nanos != DefaultLatencies.MissNanos {
		t.Fatalf("first access to a cold address should miss: got %dns, want %dns", nanos, DefaultLatencies.MissNanos)
	}
}

func TestConnector_RepeatAccessIsHit(t *testing.T) {
	c, err := New(testParams(t), DefaultLatencies, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.Reserve(ctx, c.derived.VBuf); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if _, err := c.TimeAccess(ctx, 64); err != nil {
		t.Fatalf("TimeAccess: %v", err)
	}
	nanos, err := c.TimeAccess(ctx, 64)
	if err != nil {
		t.Fatalf("TimeAccess: %v", err)
	}
	if nanos != DefaultLatencies.HitNanos {
		t.Fatalf("repeated access should hit: got %dns, want %dns", nanos, DefaultLatencies.HitNanos)
	}
}

func TestConnector_EvictionSetForcesMiss(t *testing.T) {
	p := testParams(t)
	c, err := New(p, DefaultLatencies, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.Reserve(ctx, c.derived.VBuf); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	victim := transport.Address(0)
	if _, err := c.TimeAccess(ctx, victim); err != nil {
		t.Fatalf("TimeAccess: %v", err)
	}

	// Find ReachableLines+1 addresses congruent to victim's set by brute
	// force, to evict it without knowing the hidden color mapping.
	var congruent []transport.Address
	setID := c.setID(victim)
	for a := transport.Address(1); len(congruent) < p.ReachableLines+1; a++ {
		if c.setID(a) == setID {
			congruent = append(congruent, a)
		}
	}
	if err := c.CacheAll(ctx, congruent); err != nil {
		t.Fatalf("CacheAll: %v", err)
	}

	nanos, err := c.TimeAccess(ctx, victim)
	if err != nil {
		t.Fatalf("TimeAccess: %v", err)
	}
	if nanos != DefaultLatencies.MissNanos {
		t.Fatalf("eviction set should have evicted victim: got %dns, want %dns", nanos, DefaultLatencies.MissNanos)
	}
}

func TestConnector_SendPacketCounts(t *testing.T) {
	c, err := New(testParams(t), DefaultLatencies, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.SendPacket(ctx); err != nil {
			t.Fatalf("SendPacket: %v", err)
		}
	}
	if got := c.PacketsSent(); got != 3 {
		t.Fatalf("PacketsSent() = %d, want 3", got)
	}
}

package rpp

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/timing"
	"github.com/nevenoomo/netcat/pkg/transport"
)

// ErrExhausted means forward selection ran out of pool addresses without
// finding a set that evicts the seed.
var ErrExhausted = errors.New("rpp: address pool exhausted")

// ErrNarrowedBelowMinimum means backward selection shrank a candidate set
// below ReachableLines, which indicates a noisy classifier.
var ErrNarrowedBelowMinimum = errors.New("rpp: backward selection narrowed below reachable_lines")

// build runs the full construction algorithm of §4.2.1: 64 (well,
// NSetsPerPage) address pools keyed by the page-offset bits, repeated
// forward/backward selection and cleanup, until NColors colors have been
// profiled or a bounded number of consecutive failures makes the run
// fatal.
func (e *Engine) build(ctx context.Context) error {
	shift := bits.TrailingZeros(uint(e.params.BytesPerLine))
	nIdx := e.derived.NSetsPerPage

	pools := make([][]transport.Address, nIdx)
	for a := 0; a < e.params.AddrNum; a++ {
		base := transport.Address(a * cacheparams.PageSize)
		pools[0] = append(pools[0], base)
	}
	for i := 1; i < nIdx; i++ {
		pools[i] = make([]transport.Address, len(pools[0]))
		for j, a := range pools[0] {
			pools[i][j] = a ^ (transport.Address(i) << uint(shift))
		}
	}

	e.sets = make(ColoredSets, 0, e.derived.NColors)
	consecutiveFailures := 0

	for len(e.sets) < e.derived.NColors {
		if err := e.trainClassifier(ctx, pools[0], len(e.sets) == 0); err != nil {
			return fmt.Errorf("rpp: training classifier: %w", err)
		}

		row, err := e.buildColor(ctx, pools, shift)
		if err != nil {
			consecutiveFailures++
			if consecutiveFailures >= retryCount {
				return fmt.Errorf("rpp: construction failed permanently after %d consecutive errors: %w", retryCount, err)
			}
			continue
		}
		consecutiveFailures = 0
		e.sets = append(e.sets, row)
		if e.onColor != nil {
			e.onColor(len(e.sets), e.derived.NColors)
		}
	}
	return nil
}

// trainClassifier ingests fill miss/hit pairs drawn from pool0, skipping
// the refresh entirely once pool0 has shrunk below refreshSkipBelow.
func (e *Engine) trainClassifier(ctx context.Context, pool0 []transport.Address, initial bool) error {
	if !initial && len(pool0) < refreshSkipBelow {
		return nil
	}
	fill := timingRefreshFill
	if initial {
		fill = timingsInitFill
	}
	if len(pool0) == 0 {
		return fmt.Errorf("rpp: pool 0 is empty, cannot train classifier")
	}

	for i := 0; i < fill; i++ {
		a := pool0[e.rng.Intn(len(pool0))]

		missNanos, err := e.conn.TimeAccess(ctx, a)
		if err != nil {
			return err
		}
		if err := e.clf.Record(timing.Sample{Kind: timing.Miss, Nanos: missNanos}); err != nil {
			return err
		}
		if e.onSample != nil {
			e.onSample(timing.Miss)
		}

		if err := e.conn.Cache(ctx, a); err != nil {
			return err
		}
		hitNanos, err := e.conn.TimeAccess(ctx, a)
		if err != nil {
			return err
		}
		if missNanos >= hitNanos {
			if err := e.clf.Record(timing.Sample{Kind: timing.Hit, Nanos: hitNanos}); err != nil {
				return err
			}
			if e.onSample != nil {
				e.onSample(timing.Hit)
			}
		}
	}
	return nil
}

// buildColor produces one full row of NSetsPerPage eviction sets sharing
// a single (newly discovered) color, and removes every address it
// consumes or disqualifies from the relevant pools.
func (e *Engine) buildColor(ctx context.Context, pools [][]transport.Address, shift int) ([]EvictionSet, error) {
	nIdx := len(pools)
	row := make([]EvictionSet, nIdx)

	if len(pools[0]) == 0 {
		return nil, fmt.Errorf("rpp: pool 0 exhausted, no colors left to discover")
	}
	x := pools[0][e.rng.Intn(len(pools[0]))]

	s0, err := e.buildEvictionSet(ctx, pools[0], x)
	if err != nil {
		return nil, fmt.Errorf("rpp: building initial set: %w", err)
	}
	pools[0] = removeAll(pools[0], s0)
	pools[0] = e.cleanup(ctx, pools[0], s0)
	row[0] = s0

	for i := 1; i < nIdx; i++ {
		seed := s0[0] ^ (transport.Address(i) << uint(shift))
		si, err := e.buildSibling(ctx, pools[i], seed, i, row)
		if err != nil {
			return nil, fmt.Errorf("rpp: deriving sibling set %d: %w", i, err)
		}
		pools[i] = removeAll(pools[i], si)
		pools[i] = e.cleanup(ctx, pools[i], si)
		row[i] = si
	}
	return row, nil
}

// buildSibling derives the eviction set for idx i, bootstrapping from the
// address known (via the XOR congruence) to belong to that set, and
// retrying with a fresh random seed if the uniqueness check rejects it.
func (e *Engine) buildSibling(ctx context.Context, pool []transport.Address, seed transport.Address, idx int, builtSoFar []EvictionSet) (EvictionSet, error) {
	const siblingRetries = 3

	try := seed
	for attempt := 0; attempt < siblingRetries; attempt++ {
		s, err := e.buildEvictionSet(ctx, pool, try)
		if err != nil {
			if len(pool) == 0 {
				return nil, err
			}
			try = pool[e.rng.Intn(len(pool))]
			continue
		}
		unique, err := e.checkUnique(ctx, s, idx, builtSoFar)
		if err != nil {
			return nil, err
		}
		if unique {
			return s, nil
		}
		if len(pool) == 0 {
			return nil, fmt.Errorf("rpp: sibling %d: pool exhausted after non-unique candidate", idx)
		}
		try = pool[e.rng.Intn(len(pool))]
	}
	return nil, fmt.Errorf("rpp: sibling %d: could not derive a unique set after %d attempts", idx, siblingRetries)
}

// checkUnique implements §4.2.3: the candidate collides with an existing
// color's set at the same idx if more than half of 5 random witnesses
// drawn from that set are evicted by the candidate.
func (e *Engine) checkUnique(ctx context.Context, candidate EvictionSet, idx int, builtSoFar []EvictionSet) (bool, error) {
	for color := 0; color < len(e.sets); color++ {
		existing := e.sets[color][idx]
		if ok, err := e.passesAgainst(ctx, candidate, existing); err != nil {
			return false, err
		} else if !ok {
			return false, nil
		}
	}
	// builtSoFar holds rows already placed for the color currently under
	// construction (idx 0..i-1); those are never congruent to idx i by
	// construction, so no comparison against them is needed.
	_ = builtSoFar
	return true, nil
}

func (e *Engine) passesAgainst(ctx context.Context, candidate, existing EvictionSet) (bool, error) {
	evictions := 0
	for w := 0; w < uniquenessWitnesses; w++ {
		witness := existing[e.rng.Intn(len(existing))]
		ok, err := e.checkEvicts(ctx, candidate, witness)
		if err != nil {
			return false, err
		}
		if ok {
			evictions++
		}
	}
	return evictions*2 <= uniquenessWitnesses, nil
}

// buildEvictionSet runs forward selection followed by backward
// (bisection) selection to produce a minimal EvictionSet of size
// ReachableLines that evicts x.
func (e *Engine) buildEvictionSet(ctx context.Context, pool []transport.Address, x transport.Address) (EvictionSet, error) {
	superset, err := e.forwardSelect(ctx, pool, x)
	if err != nil {
		return nil, err
	}
	return e.backwardSelect(ctx, superset, x)
}

// forwardSelect grows a candidate prefix of pool until it evicts x.
func (e *Engine) forwardSelect(ctx context.Context, pool []transport.Address, x transport.Address) (EvictionSet, error) {
	w := e.params.ReachableLines
	n := maxInt(len(pool)/10, w+1)

	for n-1 <= len(pool) {
		candidate := EvictionSet(pool[:n-1])
		ok, err := e.checkEvicts(ctx, candidate, x)
		if err != nil {
			return nil, err
		}
		if ok {
			return append(EvictionSet(nil), candidate...), nil
		}
		n++
	}
	return nil, fmt.Errorf("%w: %d addresses without evicting the seed", ErrExhausted, len(pool))
}

// backwardSelect shrinks superset (known to evict x) to exactly
// ReachableLines addresses via Vila-style bisection.
func (e *Engine) backwardSelect(ctx context.Context, superset EvictionSet, x transport.Address) (EvictionSet, error) {
	w := e.params.ReachableLines
	s := superset

	for len(s) > w {
		chunks := partition(s, w+1)
		reduced := false
		for i := 0; i < w; i++ {
			candidate := withoutChunk(chunks, i)
			ok, err := e.checkEvicts(ctx, candidate, x)
			if err != nil {
				return nil, err
			}
			if ok {
				s = candidate
				reduced = true
				break
			}
		}
		if !reduced {
			s = withoutChunk(chunks, len(chunks)-1)
		}
		if len(s) < w {
			return nil, fmt.Errorf("%w: reachable_lines=%d", ErrNarrowedBelowMinimum, w)
		}
	}
	return s, nil
}

// checkEvicts implements §4.2.2.
func (e *Engine) checkEvicts(ctx context.Context, set EvictionSet, addr transport.Address) (bool, error) {
	if err := e.conn.Cache(ctx, addr); err != nil {
		return false, err
	}
	if err := e.conn.CacheAll(ctx, []transport.Address(set)); err != nil {
		return false, err
	}
	nanos, err := e.conn.TimeAccess(ctx, addr)
	if err != nil {
		return false, err
	}
	return e.clf.IsMiss(nanos), nil
}

// cleanup removes from pool every address the just-built set evicts,
// since those addresses share the new color and must not seed another
// color's initial set.
func (e *Engine) cleanup(ctx context.Context, pool []transport.Address, set EvictionSet) []transport.Address {
	kept := pool[:0:0]
	for _, a := range pool {
		ok, err := e.checkEvicts(ctx, set, a)
		if err != nil || !ok {
			kept = append(kept, a)
		}
	}
	return kept
}

func removeAll(pool []transport.Address, used EvictionSet) []transport.Address {
	skip := make(map[transport.Address]bool, len(used))
	for _, a := range used {
		skip[a] = true
	}
	kept := pool[:0:0]
	for _, a := range pool {
		if !skip[a] {
			kept = append(kept, a)
		}
	}
	return kept
}

// partition splits s into n roughly equal, contiguous chunks.
func partition(s EvictionSet, n int) []EvictionSet {
	chunks := make([]EvictionSet, n)
	base := len(s) / n
	rem := len(s) % n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		chunks[i] = s[start : start+size]
		start += size
	}
	return chunks
}

// withoutChunk concatenates every chunk except index skip.
func withoutChunk(chunks []EvictionSet, skip int) EvictionSet {
	var out EvictionSet
	for i, c := range chunks {
		if i == skip {
			continue
		}
		out = append(out, c...)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

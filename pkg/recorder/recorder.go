// Package recorder implements the append-only sinks the online tracker
// writes its (probe_vector, sync_status, timestamp_ns) records to: a
// streaming JSON writer (file or stdout) and an in-memory sink for tests.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nevenoomo/netcat/pkg/cacheparams"
	"github.com/nevenoomo/netcat/pkg/tracker"
)

// wireProbe is the on-wire shape of one probe outcome: a tagged object,
// {"Activated": [lat,...]} or {"Stale": [lat,...]}, matching §6.4.
type wireProbe struct {
	Activated []int64 `json:"Activated,omitempty"`
	Stale     []int64 `json:"Stale,omitempty"`
}

// wireRecord is the on-wire shape of one measurement round:
// [probes, sync_status, timestamp_ns].
type wireRecord [3]interface{}

func toWire(r tracker.Record) wireRecord {
	probes := make([]wireProbe, len(r.Probes))
	for i, p := range r.Probes {
		if p.Activated {
			probes[i] = wireProbe{Activated: p.Latencies}
		} else {
			probes[i] = wireProbe{Stale: p.Latencies}
		}
	}
	return wireRecord{probes, r.SyncStatus.String(), r.ElapsedNs}
}

// Writer streams records as newline-agnostic concatenated JSON values to
// an underlying io.Writer. Safe for sequential use only, matching the
// tracker's single-threaded measurement loop.
type Writer struct {
	w   *bufio.Writer
	enc *json.Encoder
	c   io.Closer
}

// NewStdoutWriter wraps os.Stdout; Close flushes but never closes stdout.
func NewStdoutWriter() *Writer {
	bw := bufio.NewWriter(os.Stdout)
	return &Writer{w: bw, enc: json.NewEncoder(bw)}
}

// NewFileWriter creates (or truncates) path and wraps it.
func NewFileWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: creating %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	return &Writer{w: bw, enc: json.NewEncoder(bw), c: f}, nil
}

// Record implements transport.Recorder[tracker.Record].
func (w *Writer) Record(r tracker.Record) error {
	if err := w.enc.Encode(toWire(r)); err != nil {
		return fmt.Errorf("recorder: encoding record: %w", err)
	}
	return nil
}

// Close flushes buffered output and closes the underlying file, if any.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("recorder: flushing: %w", err)
	}
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}

// RunMetadata is the envelope a file-backed run is wrapped in ahead of
// its records: enough to reproduce which profile and endpoint a capture
// came from. Stdout output never carries this envelope, so piping it
// straight into another JSON-consuming tool keeps working.
type RunMetadata struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	CacheProfile   string    `json:"cache_profile"`
	TargetEndpoint string    `json:"target_endpoint"`
}

// NewRunMetadata stamps a fresh run identifier.
func NewRunMetadata(profile cacheparams.Profile, endpoint string, startedAt time.Time) RunMetadata {
	return RunMetadata{
		RunID:          uuid.NewString(),
		StartedAt:      startedAt,
		CacheProfile:   string(profile),
		TargetEndpoint: endpoint,
	}
}

// WriteRunMetadata writes meta as a single JSON line ahead of any
// records. Only meaningful for file output: callers must not call this
// on a stdout Writer, to keep stdout a pure record stream.
func (w *Writer) WriteRunMetadata(meta RunMetadata) error {
	if err := w.enc.Encode(meta); err != nil {
		return fmt.Errorf("recorder: encoding run metadata: %w", err)
	}
	return nil
}

// Memory is an in-memory Recorder, for deterministic unit tests.
type Memory struct {
	Records []tracker.Record
}

// Record implements transport.Recorder[tracker.Record].
func (m *Memory) Record(r tracker.Record) error {
	m.Records = append(m.Records, r)
	return nil
}

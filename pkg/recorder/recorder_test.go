package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nevenoomo/netcat/pkg/tracker"
	"github.com/nevenoomo/netcat/pkg/tracking"
)

func TestFileWriter_RoundTripsRecordShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.json")

	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	rec := tracker.Record{
		Probes: []tracker.ProbeOutcome{
			{Activated: true, Latencies: []int64{120, 130}},
			{Activated: false, Latencies: []int64{400, 410}},
		},
		SyncStatus: tracking.Hit,
		ElapsedNs:  42,
	}
	if err := w.Record(rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var decoded [3]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v\ndata: %s", err, data)
	}

	var probes []wireProbe
	if err := json.Unmarshal(decoded[0], &probes); err != nil {
		t.Fatalf("unmarshal probes: %v", err)
	}
	if len(probes) != 2 {
		t.Fatalf("len(probes) = %d, want 2", len(probes))
	}
	if len(probes[0].Activated) != 2 || probes[0].Stale != nil {
		t.Fatalf("probes[0] = %+v, want an Activated tag", probes[0])
	}
	if len(probes[1].Stale) != 2 || probes[1].Activated != nil {
		t.Fatalf("probes[1] = %+v, want a Stale tag", probes[1])
	}

	var status string
	if err := json.Unmarshal(decoded[1], &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status != "Hit" {
		t.Fatalf("status = %q, want Hit", status)
	}

	var elapsed int64
	if err := json.Unmarshal(decoded[2], &elapsed); err != nil {
		t.Fatalf("unmarshal elapsed: %v", err)
	}
	if elapsed != 42 {
		t.Fatalf("elapsed = %d, want 42", elapsed)
	}
}

func TestMemory_AccumulatesRecords(t *testing.T) {
	m := &Memory{}
	for i := 0; i < 3; i++ {
		if err := m.Record(tracker.Record{SyncStatus: tracking.NoSync, ElapsedNs: int64(i)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if len(m.Records) != 3 {
		t.Fatalf("len(m.Records) = %d, want 3", len(m.Records))
	}
}

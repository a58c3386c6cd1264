package extractor

import (
	"reflect"
	"testing"

	"github.com/nevenoomo/netcat/pkg/tracker"
	"github.com/nevenoomo/netcat/pkg/tracking"
)

func sample() []tracker.Record {
	return []tracker.Record{
		{SyncStatus: tracking.Hit, ElapsedNs: 10},
		{SyncStatus: tracking.NoSync, ElapsedNs: 20},
		{SyncStatus: tracking.Miss, ElapsedNs: 30},
		{SyncStatus: tracking.Hit, ElapsedNs: 40},
	}
}

func TestElapsedTimes(t *testing.T) {
	got := ElapsedTimes(sample())
	want := []int64{10, 20, 30, 40}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ElapsedTimes() = %v, want %v", got, want)
	}
}

func TestSyncHits(t *testing.T) {
	got := SyncHits(sample())
	if len(got) != 2 {
		t.Fatalf("len(SyncHits()) = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.SyncStatus != tracking.Hit {
			t.Fatalf("SyncHits() returned a non-Hit record: %+v", r)
		}
	}
}

// Package extractor implements offline analysis of captured traces,
// pulling a single signal back out of a saved measurement run.
package extractor

import "github.com/nevenoomo/netcat/pkg/tracker"

// ElapsedTimes extracts just the per-round elapsed-nanosecond timestamps
// from a captured trace, discarding the probe vectors and sync status —
// the minimal signal needed to look for packet-timing periodicity.
func ElapsedTimes(records []tracker.Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ElapsedNs
	}
	return out
}

// SyncHits filters records down to only those where a synchronization
// was confirmed, i.e. the rounds whose ElapsedNs values can be trusted as
// aligned with a real RX-ring activation.
func SyncHits(records []tracker.Record) []tracker.Record {
	var out []tracker.Record
	for _, r := range records {
		if r.SyncStatus.String() == "Hit" {
			out = append(out, r)
		}
	}
	return out
}

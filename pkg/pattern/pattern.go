// Package pattern derives the correspondence between the victim's RX ring
// slots and cache sets from a repeated probe trace, and exposes the
// cyclic window/position arithmetic the online tracker drives its
// measurement loop with.
package pattern

import (
	"errors"
	"fmt"
)

// ErrIndecisive means pattern finding could not settle on a unique
// candidate: either no position had a strict per-color majority, or more
// than one color produced a full candidate pattern.
var ErrIndecisive = errors.New("pattern: indecisive")

// ErrUnrecoverable means RecoverNext found no activation anywhere in the
// probe window.
var ErrUnrecoverable = errors.New("pattern: unrecoverable: no activation in window")

// Repeatings is the number of full passes the caller must collect before
// calling Find: one pass per entry of each per-color trace.
const Repeatings = 8

// WindowSize is the length of a tracking window. The current position
// sits at offset WindowSize/2 (index 5 for the canonical size of 10).
const WindowSize = 10

// SetCode identifies a single cache set: a page color and the colored
// index within that color's 64 sibling sets.
type SetCode struct {
	Color        int
	ColoredIndex int
}

// Pattern is the ordered sequence of SetCodes reflecting the order in
// which the victim's RX slots map to cache sets. A pattern derived by
// Find always shares one color across all entries, but nothing here
// requires that: New accepts any ordered SetCode sequence.
type Pattern struct {
	entries []SetCode
}

// New builds a Pattern directly from an ordered SetCode sequence.
func New(entries []SetCode) Pattern {
	cp := make([]SetCode, len(entries))
	copy(cp, entries)
	return Pattern{entries: cp}
}

// Len returns the pattern's length L.
func (p Pattern) Len() int { return len(p.entries) }

// At returns the SetCode for pattern position i (0 <= i < Len()).
func (p Pattern) At(i int) SetCode {
	return p.entries[i]
}

// Window returns the WindowSize SetCodes centered on pos: the current
// position is window element WindowSize/2, matching §4.3's "6th element,
// 0-indexed 5" description.
func (p Pattern) Window(pos int) []SetCode {
	l := p.Len()
	win := make([]SetCode, WindowSize)
	start := pos - WindowSize/2
	for k := 0; k < WindowSize; k++ {
		idx := mod(start+k, l)
		win[k] = p.At(idx)
	}
	return win
}

// NextPos returns (pos + 1) mod L.
func (p Pattern) NextPos(pos int) int {
	return mod(pos+1, p.Len())
}

// RecoverNext locates the first activation in probes (length
// WindowSize, aligned the same way Window(pos) is) and returns the
// pattern position it corresponds to. It searches the back half first
// (probes[WindowSize/2:]), then the front half
// (probes[:WindowSize/2]); an all-Stale probes fails.
func (p Pattern) RecoverNext(pos int, activated []bool) (int, error) {
	if len(activated) != WindowSize {
		return 0, fmt.Errorf("pattern: recover_next: expected %d probe outcomes, got %d", WindowSize, len(activated))
	}
	half := WindowSize / 2

	for j, act := range activated[half:] {
		if act {
			return mod(pos+j+1, p.Len()), nil
		}
	}
	for j, act := range activated[:half] {
		if act {
			return mod(pos-(half-j)+1, p.Len()), nil
		}
	}
	return 0, fmt.Errorf("%w: pos %d", ErrUnrecoverable, pos)
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// Trace is one color's collected outcomes: Repeatings passes over that
// color's colored set codes, each entry either the activated colored
// index or -1 for no activation ("None").
type Trace struct {
	Color    int
	NSetsPerPage int
	Passes   [][]int // len(Passes) == Repeatings, len(Passes[i]) == NSetsPerPage
}

// Find derives the unique pattern across candidate color traces. Exactly
// one trace must yield a strictly-unique per-position majority colored
// index at every position; otherwise Find fails.
func Find(traces []Trace) (Pattern, error) {
	var found []Pattern

	for _, tr := range traces {
		if len(tr.Passes) != Repeatings {
			return Pattern{}, fmt.Errorf("pattern: color %d: expected %d passes, got %d", tr.Color, Repeatings, len(tr.Passes))
		}
		indices, ok := majorityPerPosition(tr)
		if ok {
			entries := make([]SetCode, len(indices))
			for i, idx := range indices {
				entries[i] = SetCode{Color: tr.Color, ColoredIndex: idx}
			}
			found = append(found, New(entries))
		}
	}

	if len(found) != 1 {
		return Pattern{}, fmt.Errorf("%w: %d colors yielded a candidate pattern, want exactly 1", ErrIndecisive, len(found))
	}
	return found[0], nil
}

// majorityPerPosition tallies, for every position within a pass, how
// often each colored index appears across the Repeatings passes, and
// picks the strictly unique maximum. Any position without a strictly
// unique maximum disqualifies the whole color.
func majorityPerPosition(tr Trace) ([]int, bool) {
	if tr.NSetsPerPage == 0 {
		return nil, false
	}
	entries := make([]int, tr.NSetsPerPage)

	for pos := 0; pos < tr.NSetsPerPage; pos++ {
		tally := make(map[int]int)
		for _, pass := range tr.Passes {
			if pos >= len(pass) {
				return nil, false
			}
			v := pass[pos]
			if v < 0 {
				continue
			}
			tally[v]++
		}
		winner, ok := uniqueMax(tally)
		if !ok {
			return nil, false
		}
		entries[pos] = winner
	}
	return entries, true
}

func uniqueMax(tally map[int]int) (int, bool) {
	best, bestCount := -1, -1
	tie := false
	for v, c := range tally {
		switch {
		case c > bestCount:
			best, bestCount = v, c
			tie = false
		case c == bestCount:
			tie = true
		}
	}
	if best == -1 || tie {
		return 0, false
	}
	return best, true
}

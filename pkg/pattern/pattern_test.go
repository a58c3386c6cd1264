package pattern

import (
	"reflect"
	"testing"
)

func TestFind_MajorityWithPerturbations(t *testing.T) {
	base := []int{1, 2, 3, 4}
	passes := make([][]int, Repeatings)
	for i := range passes {
		passes[i] = append([]int(nil), base...)
	}
	passes[0][1] = 9 // perturb position 1 once
	passes[3][2] = 8 // perturb position 2 once
	passes[5][0] = -1 // perturb position 0 to "None" once

	got, err := Find([]Trace{{Color: 0, NSetsPerPage: 4, Passes: passes}})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	want := New([]SetCode{{0, 1}, {0, 2}, {0, 3}, {0, 4}})
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Find() = %+v, want %+v", got, want)
	}
}

func TestFind_NoUniqueMaxDiscardsColor(t *testing.T) {
	passes := make([][]int, Repeatings)
	for i := range passes {
		if i%2 == 0 {
			passes[i] = []int{1}
		} else {
			passes[i] = []int{2}
		}
	}
	_, err := Find([]Trace{{Color: 0, NSetsPerPage: 1, Passes: passes}})
	if err == nil {
		t.Fatal("expected an error when no position has a strictly unique maximum")
	}
}

func TestFind_TwoCandidateColorsFails(t *testing.T) {
	base := []int{1, 2}
	passes := make([][]int, Repeatings)
	for i := range passes {
		passes[i] = append([]int(nil), base...)
	}
	_, err := Find([]Trace{
		{Color: 0, NSetsPerPage: 2, Passes: passes},
		{Color: 1, NSetsPerPage: 2, Passes: passes},
	})
	if err == nil {
		t.Fatal("expected an error when more than one color yields a pattern")
	}
}

func setCodeWindow(w []SetCode) []int {
	out := make([]int, len(w))
	for i, sc := range w {
		out[i] = sc.Color
	}
	return out
}

func sequentialPattern() Pattern {
	entries := make([]SetCode, 10)
	for i := range entries {
		entries[i] = SetCode{Color: i, ColoredIndex: 1}
	}
	return New(entries)
}

func TestWindow_WrapsCyclically(t *testing.T) {
	p := sequentialPattern()
	got := setCodeWindow(p.Window(2))
	want := []int{7, 8, 9, 0, 1, 2, 3, 4, 5, 6}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Window(2) = %v, want %v", got, want)
	}
}

func TestWindow_LengthAndCurrentPositionOffset(t *testing.T) {
	p := sequentialPattern()
	for pos := 0; pos < p.Len(); pos++ {
		win := p.Window(pos)
		if len(win) != WindowSize {
			t.Fatalf("Window(%d) has length %d, want %d", pos, len(win), WindowSize)
		}
		if win[WindowSize/2].Color != pos {
			t.Fatalf("Window(%d)[%d] = %+v, want current position %d at offset %d", pos, WindowSize/2, win[WindowSize/2], pos, WindowSize/2)
		}
	}
}

func TestNextPos_CyclesThroughAllPositions(t *testing.T) {
	p := sequentialPattern()
	seen := make(map[int]bool)
	pos := 0
	for i := 0; i < p.Len(); i++ {
		seen[pos] = true
		pos = p.NextPos(pos)
	}
	if len(seen) != p.Len() {
		t.Fatalf("next_pos visited %d distinct positions, want %d", len(seen), p.Len())
	}
}

func activatedWindow(activeIdx int) []bool {
	w := make([]bool, WindowSize)
	if activeIdx >= 0 {
		w[activeIdx] = true
	}
	return w
}

func TestRecoverNext_After(t *testing.T) {
	p := sequentialPattern()
	probes := activatedWindow(5) // first element of the back half
	got, err := p.RecoverNext(2, probes)
	if err != nil {
		t.Fatalf("RecoverNext: %v", err)
	}
	if got != 3 {
		t.Fatalf("RecoverNext(2, ...) = %d, want 3", got)
	}
}

func TestRecoverNext_Before(t *testing.T) {
	p := sequentialPattern()
	probes := activatedWindow(0) // first element of the front half
	got, err := p.RecoverNext(2, probes)
	if err != nil {
		t.Fatalf("RecoverNext: %v", err)
	}
	if got != 8 {
		t.Fatalf("RecoverNext(2, ...) = %d, want 8", got)
	}
}

func TestRecoverNext_AllStaleFails(t *testing.T) {
	p := sequentialPattern()
	probes := activatedWindow(-1)
	if _, err := p.RecoverNext(2, probes); err == nil {
		t.Fatal("expected an error when no probe in the window is activated")
	}
}

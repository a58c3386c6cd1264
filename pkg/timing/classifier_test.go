package timing

import "testing"

func TestClassifier_UntrainedAlwaysHit(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.IsMiss(1000) {
		t.Fatalf("IsMiss() on untrained classifier = true, want false")
	}
	if !c.IsHit(1000) {
		t.Fatalf("IsHit() on untrained classifier = false, want true")
	}
}

func TestClassifier_ClassifiesByNearestCentroid(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 20; i++ {
		if err := c.Record(Sample{Kind: Hit, Nanos: 50}); err != nil {
			t.Fatalf("Record(hit) error = %v", err)
		}
		if err := c.Record(Sample{Kind: Miss, Nanos: 400}); err != nil {
			t.Fatalf("Record(miss) error = %v", err)
		}
	}

	if !c.Trained() {
		t.Fatalf("Trained() = false after seeding both clusters")
	}
	if c.IsMiss(55) {
		t.Fatalf("IsMiss(55) = true, want false (near hit centroid)")
	}
	if !c.IsMiss(390) {
		t.Fatalf("IsMiss(390) = false, want true (near miss centroid)")
	}
}

func TestClassifier_TieBreaksToHit(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := c.Record(Sample{Kind: Hit, Nanos: 100}); err != nil {
			t.Fatalf("Record(hit) error = %v", err)
		}
		if err := c.Record(Sample{Kind: Miss, Nanos: 200}); err != nil {
			t.Fatalf("Record(miss) error = %v", err)
		}
	}
	if got := c.Classify(150); got != Hit {
		t.Fatalf("Classify(150) = %v, want Hit on exact tie", got)
	}
}

func TestClassifier_ClearResetsClusters(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Record(Sample{Kind: Hit, Nanos: 50}); err != nil {
		t.Fatalf("Record(hit) error = %v", err)
	}
	if err := c.Record(Sample{Kind: Miss, Nanos: 400}); err != nil {
		t.Fatalf("Record(miss) error = %v", err)
	}
	if !c.Trained() {
		t.Fatalf("Trained() = false after seeding")
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if c.Trained() {
		t.Fatalf("Trained() = true after Clear")
	}
}

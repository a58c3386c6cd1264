// Package timing implements the two-cluster latency classifier the RPP
// engine uses to turn a raw access latency into a hit/miss verdict.
package timing

import (
	"fmt"
	"sync"

	"github.com/caio/go-tdigest"
)

// compression controls the t-digest's size/accuracy tradeoff. 100 keeps
// centroid queries cheap while resolving the hit/miss clusters comfortably;
// it plays the role the original's 5-significant-digit HdrHistogram played.
const compression = 100

// Percentile is the cluster centroid used for classification: the median.
const Percentile = 0.5

// Kind distinguishes a hit observation from a miss observation.
type Kind int

const (
	Hit Kind = iota
	Miss
)

func (k Kind) String() string {
	if k == Hit {
		return "Hit"
	}
	return "Miss"
}

// Sample is a single labeled latency observation.
type Sample struct {
	Kind    Kind
	Nanos   int64
}

// Classifier maintains two empirical latency distributions (hit, miss) and
// classifies a single timing against whichever centroid is nearer. It is
// not safe for concurrent Record calls and classification during a Record;
// the RPP engine never calls it concurrently, but the mutex keeps reads
// through Trained or Centroids from another goroutine safe regardless.
type Classifier struct {
	mu sync.RWMutex

	hits   *tdigest.TDigest
	misses *tdigest.TDigest

	hitCentroid  float64
	missCentroid float64
	hasHit       bool
	hasMiss      bool
}

// New creates an untrained Classifier.
func New() (*Classifier, error) {
	hits, err := tdigest.New(tdigest.Compression(compression))
	if err != nil {
		return nil, fmt.Errorf("timing: creating hit digest: %w", err)
	}
	misses, err := tdigest.New(tdigest.Compression(compression))
	if err != nil {
		return nil, fmt.Errorf("timing: creating miss digest: %w", err)
	}
	return &Classifier{hits: hits, misses: misses}, nil
}

// Record ingests a labeled latency observation and refreshes that
// cluster's centroid.
func (c *Classifier) Record(s Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s.Kind {
	case Hit:
		if err := c.hits.Add(float64(s.Nanos)); err != nil {
			return fmt.Errorf("timing: recording hit sample: %w", err)
		}
		c.hitCentroid = c.hits.Quantile(Percentile)
		c.hasHit = true
	case Miss:
		if err := c.misses.Add(float64(s.Nanos)); err != nil {
			return fmt.Errorf("timing: recording miss sample: %w", err)
		}
		c.missCentroid = c.misses.Quantile(Percentile)
		c.hasMiss = true
	default:
		return fmt.Errorf("timing: unknown sample kind %v", s.Kind)
	}
	return nil
}

// Classify returns the cluster nearest to t. Until both clusters have at
// least one sample, every timing classifies as Hit: see IsMiss.
func (c *Classifier) Classify(nanos int64) Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.hasHit || !c.hasMiss {
		return Hit
	}

	t := float64(nanos)
	dMiss := absf(c.missCentroid - t)
	dHit := absf(c.hitCentroid - t)

	// Ties break to Hit: fewer false evictions downstream.
	if dMiss < dHit {
		return Miss
	}
	return Hit
}

// IsHit reports whether t classifies as a cache hit.
func (c *Classifier) IsHit(nanos int64) bool {
	return c.Classify(nanos) == Hit
}

// IsMiss reports whether t classifies as a cache miss. Before both clusters
// have been seeded, this always returns false: callers must not issue
// classification queries before initial training completes.
func (c *Classifier) IsMiss(nanos int64) bool {
	c.mu.RLock()
	trained := c.hasHit && c.hasMiss
	c.mu.RUnlock()
	if !trained {
		return false
	}
	return c.Classify(nanos) == Miss
}

// Trained reports whether both clusters have at least one sample.
func (c *Classifier) Trained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasHit && c.hasMiss
}

// Clear resets both clusters to empty.
func (c *Classifier) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits, err := tdigest.New(tdigest.Compression(compression))
	if err != nil {
		return fmt.Errorf("timing: resetting hit digest: %w", err)
	}
	misses, err := tdigest.New(tdigest.Compression(compression))
	if err != nil {
		return fmt.Errorf("timing: resetting miss digest: %w", err)
	}

	c.hits = hits
	c.misses = misses
	c.hasHit = false
	c.hasMiss = false
	c.hitCentroid = 0
	c.missCentroid = 0
	return nil
}

// Centroids returns the current (hit, miss) centroids, for diagnostics.
func (c *Classifier) Centroids() (hit, miss float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hitCentroid, c.missCentroid
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

package metrics

import (
	"sync"
	"time"
)

// DefaultWindowCapacity bounds the rolling window when no capacity is configured.
const DefaultWindowCapacity = 100

// Sample is a single request observation.
type Sample struct {
	LoadTime  time.Duration `json:"loadTime"`
	CacheHit  bool          `json:"cacheHit"`
	Timestamp time.Time     `json:"timestamp"`
}

// LoadTimeMs reports the sample latency in fractional milliseconds.
func (s Sample) LoadTimeMs() float64 {
	return float64(s.LoadTime) / float64(time.Millisecond)
}

// Summary aggregates the samples currently retained by a Store.
type Summary struct {
	AverageLoadTimeMs float64 `json:"averageLoadTimeMs"`
	CacheHitRate      float64 `json:"cacheHitRate"`
	SampleCount       int     `json:"sampleCount"`
}

// Store keeps a bounded FIFO window of request samples. One Store lives for
// the whole application session and is shared by every request client.
type Store struct {
	mu       sync.Mutex
	samples  []Sample
	next     int
	full     bool
	capacity int
	now      func() time.Time
}

// NewStore constructs a Store retaining at most capacity samples.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}
	return &Store{
		samples:  make([]Sample, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Capacity returns the maximum number of retained samples.
func (s *Store) Capacity() int {
	if s == nil {
		return 0
	}
	return s.capacity
}

// RecordSample appends a sample, evicting the oldest once the window is full.
func (s *Store) RecordSample(loadTime time.Duration, cacheHit bool) {
	if s == nil {
		return
	}
	if loadTime < 0 {
		loadTime = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = Sample{LoadTime: loadTime, CacheHit: cacheHit, Timestamp: s.now()}
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
}

// Snapshot summarises the retained window. An empty window reports zeros.
func (s *Store) Snapshot() Summary {
	if s == nil {
		return Summary{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.lenLocked()
	if count == 0 {
		return Summary{}
	}
	var total time.Duration
	hits := 0
	for i := 0; i < count; i++ {
		sample := s.samples[i]
		total += sample.LoadTime
		if sample.CacheHit {
			hits++
		}
	}
	return Summary{
		AverageLoadTimeMs: float64(total) / float64(time.Millisecond) / float64(count),
		CacheHitRate:      float64(hits) / float64(count),
		SampleCount:       count,
	}
}

// Samples returns the retained samples oldest first.
func (s *Store) Samples() []Sample {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.lenLocked()
	out := make([]Sample, 0, count)
	if s.full {
		out = append(out, s.samples[s.next:]...)
		out = append(out, s.samples[:s.next]...)
		return out
	}
	return append(out, s.samples[:s.next]...)
}

// Reset clears the window. It exists for test isolation.
func (s *Store) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = make([]Sample, s.capacity)
	s.next = 0
	s.full = false
}

func (s *Store) lenLocked() int {
	if s.full {
		return s.capacity
	}
	return s.next
}

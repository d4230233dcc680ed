package probe

import (
	"math"
	"sync"
	"time"
)

// RTTStats summarizes acked round-trip samples.
type RTTStats struct {
	Mean    time.Duration
	Min     time.Duration
	Max     time.Duration
	StdDev  time.Duration
	Samples int
}

// RTTSampler aggregates round-trip samples with Welford's online
// algorithm so the status endpoint can expose jitter without keeping
// sample history. Safe for concurrent use.
type RTTSampler struct {
	mu sync.Mutex

	count int
	mean  float64
	m2    float64
	min   time.Duration
	max   time.Duration
}

func NewRTTSampler() *RTTSampler {
	return &RTTSampler{}
}

// Add records one round-trip sample. Non-positive samples are dropped.
func (s *RTTSampler) Add(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 || rtt < s.min {
		s.min = rtt
	}
	if s.count == 0 || rtt > s.max {
		s.max = rtt
	}

	value := float64(rtt.Microseconds())
	s.count++
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	delta2 := value - s.mean
	s.m2 += delta * delta2
}

// Stats returns the current aggregate statistics.
func (s *RTTSampler) Stats() RTTStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return RTTStats{}
	}

	stddev := time.Duration(0)
	if s.count > 1 {
		stddev = time.Duration(math.Sqrt(s.m2/float64(s.count-1))) * time.Microsecond
	}

	return RTTStats{
		Mean:    time.Duration(s.mean) * time.Microsecond,
		Min:     s.min,
		Max:     s.max,
		StdDev:  stddev,
		Samples: s.count,
	}
}

// Reset clears the aggregate at a reporting period boundary.
func (s *RTTSampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.mean = 0
	s.m2 = 0
	s.min = 0
	s.max = 0
}

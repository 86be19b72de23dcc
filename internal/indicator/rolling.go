package indicator

import "math"

// RollingStats accumulates mean/variance incrementally so window updates
// avoid recomputing over the whole dataset. Uses Welford's online
// algorithm for numerical stability. Not safe for concurrent use; each
// symbol shard owns its own instance.
type RollingStats struct {
	count int
	mean  float64
	m2    float64 // sum of squared differences from the mean
}

// Add adds a value.
func (s *RollingStats) Add(value float64) {
	s.count++
	if s.count == 1 {
		s.mean = value
		return
	}
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (value - s.mean)
}

// Remove removes a value previously added. Precision loss accumulates
// over many removals; the accumulator is reset only when its last value
// is removed.
func (s *RollingStats) Remove(value float64) {
	if s.count <= 1 {
		s.Reset()
		return
	}
	oldMean := s.mean
	s.mean = (float64(s.count)*s.mean - value) / float64(s.count-1)
	s.m2 -= (value - oldMean) * (value - s.mean)
	s.count--
}

// Count returns the number of values.
func (s *RollingStats) Count() int { return s.count }

// Mean returns the mean of the values.
func (s *RollingStats) Mean() float64 { return s.mean }

// Variance returns the sample variance.
func (s *RollingStats) Variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count-1)
}

// StdDev returns the sample standard deviation.
func (s *RollingStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// ZScore returns the z-score of a value against the accumulated
// distribution, or 0 when the deviation is degenerate.
func (s *RollingStats) ZScore(value float64) float64 {
	sd := s.StdDev()
	if sd == 0 {
		return 0
	}
	return (value - s.mean) / sd
}

// Reset clears the accumulator.
func (s *RollingStats) Reset() {
	s.count = 0
	s.mean = 0
	s.m2 = 0
}

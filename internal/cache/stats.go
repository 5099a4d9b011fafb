package cache

import "time"

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	LoadSuccess int64
	LoadFailure int64

	// TotalLoadTime is the time spent in the Loader across all loads.
	TotalLoadTime time.Duration

	EvictedExplicit int64
	EvictedReplaced int64
	EvictedSize     int64
	EvictedExpired  int64
}

// Requests returns Hits + Misses.
func (s Stats) Requests() int64 { return s.Hits + s.Misses }

// HitRate returns the fraction of requests served from memory, or 1 when
// there were none.
func (s Stats) HitRate() float64 {
	if s.Requests() == 0 {
		return 1
	}

	return float64(s.Hits) / float64(s.Requests())
}

// MissRate returns 1 - HitRate.
func (s Stats) MissRate() float64 { return 1 - s.HitRate() }

// LoadFailureRate returns the fraction of loads that failed.
func (s Stats) LoadFailureRate() float64 {
	total := s.LoadSuccess + s.LoadFailure
	if total == 0 {
		return 0
	}

	return float64(s.LoadFailure) / float64(total)
}

// AverageLoadPenalty returns the mean time per load.
func (s Stats) AverageLoadPenalty() time.Duration {
	total := s.LoadSuccess + s.LoadFailure
	if total == 0 {
		return 0
	}

	return s.TotalLoadTime / time.Duration(total)
}

// Stats returns current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:            c.counters.hits.Load(),
		Misses:          c.counters.misses.Load(),
		LoadSuccess:     c.counters.loadSuccess.Load(),
		LoadFailure:     c.counters.loadFailure.Load(),
		TotalLoadTime:   time.Duration(c.counters.totalLoadNanos.Load()),
		EvictedExplicit: c.counters.explicit.Load(),
		EvictedReplaced: c.counters.replaced.Load(),
		EvictedSize:     c.counters.size.Load(),
		EvictedExpired:  c.counters.expired.Load(),
	}
}

package cache

import (
	"sync/atomic"
	"time"
)

// stats счётчики попаданий и задержек, общие для всех реализаций кеша.
type stats struct {
	totalRequests int64
	hits          int64
	misses        int64

	latencySum   int64 // в наносекундах
	latencyCount int64
	maxLatency   int64
}

func (s *stats) hit(n int64) {
	atomic.AddInt64(&s.totalRequests, n)
	atomic.AddInt64(&s.hits, n)
}

func (s *stats) miss(n int64) {
	atomic.AddInt64(&s.totalRequests, n)
	atomic.AddInt64(&s.misses, n)
}

// recordLatency записывает latency метрику.
func (s *stats) recordLatency(start time.Time) {
	latency := time.Since(start).Nanoseconds()

	atomic.AddInt64(&s.latencySum, latency)
	atomic.AddInt64(&s.latencyCount, 1)

	for {
		current := atomic.LoadInt64(&s.maxLatency)
		if latency <= current || atomic.CompareAndSwapInt64(&s.maxLatency, current, latency) {
			break
		}
	}
}

// snapshot собирает CacheMetrics
func (s *stats) snapshot(totalKeys int64) *CacheMetrics {
	m := &CacheMetrics{
		TotalRequests: atomic.LoadInt64(&s.totalRequests),
		CacheHits:     atomic.LoadInt64(&s.hits),
		CacheMisses:   atomic.LoadInt64(&s.misses),
		TotalKeys:     totalKeys,
		LastUpdate:    time.Now(),
	}
	if total := m.CacheHits + m.CacheMisses; total > 0 {
		m.HitRatio = float64(m.CacheHits) / float64(total)
	}
	if count := atomic.LoadInt64(&s.latencyCount); count > 0 {
		m.AvgLatencyMs = float64(atomic.LoadInt64(&s.latencySum)) / float64(count) / 1e6 // нс в мс
		m.MaxLatencyMs = float64(atomic.LoadInt64(&s.maxLatency)) / 1e6
	}
	return m
}

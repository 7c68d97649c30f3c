package ratelimit

import (
	"sync"
	"time"

	"github.com/ranacseruet/clawphone/internal/clock"
)

type Config struct {
	// Max requests admitted per key inside Window. Max <= 0 disables limiting.
	Max    int
	Window time.Duration
}

// Limiter is a per-key sliding-window limiter. Each key keeps the timestamps of
// its admitted requests inside the trailing window; keys whose window empties
// are dropped from the map.
type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu   sync.Mutex
	hits map[string][]time.Time
}

func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{cfg: cfg, clock: clk, hits: make(map[string][]time.Time)}
}

func (l *Limiter) Enabled() bool { return l.cfg.Max > 0 }

// Check admits or denies one request for key, recording it when admitted.
func (l *Limiter) Check(key string) bool {
	if !l.Enabled() {
		metricDecisions.WithLabelValues("bypass").Inc()
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := evict(l.hits[key], now.Add(-l.cfg.Window))
	if len(recent) >= l.cfg.Max {
		l.hits[key] = recent
		metricDecisions.WithLabelValues("denied").Inc()
		return false
	}
	l.hits[key] = append(recent, now)
	metricDecisions.WithLabelValues("admitted").Inc()
	return true
}

// Prune drops expired timestamps for every key and forgets keys left empty.
// Check only trims the key it is asked about, so callers run Prune periodically.
func (l *Limiter) Prune() int {
	if !l.Enabled() {
		return 0
	}
	cutoff := l.clock.Now().Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, ts := range l.hits {
		recent := evict(ts, cutoff)
		if len(recent) == 0 {
			delete(l.hits, k)
			removed++
			continue
		}
		l.hits[k] = recent
	}
	gaugeKeys.Set(float64(len(l.hits)))
	return removed
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// evict returns the suffix of ts at or after cutoff. ts is ordered oldest first.
func evict(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	// Copy so the backing array does not pin evicted entries.
	out := make([]time.Time, len(ts)-i, len(ts)-i+1)
	copy(out, ts[i:])
	return out
}

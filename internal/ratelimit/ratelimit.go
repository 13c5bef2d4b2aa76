// Package ratelimit implements the DHT Engine's outgoing query governor:
// a dual-window token bucket (steady per-second rate plus a short burst
// allowance) with an adaptive rate that tracks query success. It is a
// reusable, lock-protected component: one mutex guards the token bucket and
// the deque of burst timestamps, while the allowed/blocked/sample counters
// are vitess sync2 atomics.
package ratelimit

import (
	"sync"
	"time"

	"vitess.io/vitess/go/sync2"
)

// adaptiveSampleSize is the number of query outcomes collected before the
// success fraction is measured, the rate stepped, and the sample restarted; 128 gives a few
// seconds of signal at default rates without reacting to single-query noise.
const adaptiveSampleSize = 128

// Limiter bounds outgoing DHT queries to at most the current rate per
// second and BurstLimit per BurstWindow. The rate starts at BaseRate and
// adapts between BaseRate and MaxRate based on the recent success fraction.
type Limiter struct {
	mu sync.Mutex

	baseRate, maxRate int
	successThreshold  float64
	burstLimit        int
	burstWindow       time.Duration

	rate     int           // current effective per-second rate
	tokens   float64       // accumulated per-second tokens
	lastFill time.Time
	bursts   []time.Time // timestamps within the current burst window

	allowed sync2.AtomicInt64
	blocked sync2.AtomicInt64
	hits    sync2.AtomicInt64 // queries in the adaptive sample that got >=1 peer
	sampled sync2.AtomicInt64 // queries counted in the adaptive sample
}

// Config parametrizes a new Limiter; see config.Config for field meanings.
type Config struct {
	BaseRate         int
	MaxRate          int
	SuccessThreshold float64
	BurstLimit       int
	BurstWindow      time.Duration
}

// New builds a Limiter starting at BaseRate.
func New(cfg Config) *Limiter {
	l := &Limiter{
		baseRate:         cfg.BaseRate,
		maxRate:          cfg.MaxRate,
		successThreshold: cfg.SuccessThreshold,
		burstLimit:       cfg.BurstLimit,
		burstWindow:      cfg.BurstWindow,
		rate:             cfg.BaseRate,
		lastFill:         time.Now(),
	}
	return l
}

// Allow reports whether a query may be sent right now. It is safe for
// concurrent use. Over-limit attempts are counted as blocked, never queued.
func (l *Limiter) Allow() bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(now)

	if l.tokens < 1 {
		l.blocked.Add(1)
		return false
	}
	if !l.admitBurstLocked(now) {
		l.blocked.Add(1)
		return false
	}
	l.tokens--
	l.allowed.Add(1)
	return true
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * float64(l.rate)
	if cap := float64(l.rate); l.tokens > cap {
		l.tokens = cap
	}
	l.lastFill = now
}

// admitBurstLocked trims expired timestamps from the burst window and
// reports whether one more query fits within BurstLimit over BurstWindow.
func (l *Limiter) admitBurstLocked(now time.Time) bool {
	cutoff := now.Add(-l.burstWindow)
	kept := l.bursts[:0]
	for _, t := range l.bursts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.bursts = kept
	if len(l.bursts) >= l.burstLimit {
		return false
	}
	l.bursts = append(l.bursts, now)
	return true
}

// RecordOutcome feeds back whether a sent query yielded at least one peer,
// driving the adaptive rate: step the per-second rate up by 1
// (capped at MaxRate) once the success fraction exceeds SuccessThreshold
// over a sample of adaptiveSampleSize outcomes; step down by 1 (floored at
// BaseRate) once it falls below half that threshold. The sample then starts
// over from zero.
func (l *Limiter) RecordOutcome(gotPeer bool) {
	if gotPeer {
		l.hits.Add(1)
	}
	n := l.sampled.Add(1)
	if n < adaptiveSampleSize {
		return
	}

	hits := l.hits.Get()
	fraction := float64(hits) / float64(n)

	l.mu.Lock()
	switch {
	case fraction > l.successThreshold && l.rate < l.maxRate:
		l.rate++
	case fraction < l.successThreshold/2 && l.rate > l.baseRate:
		l.rate--
	}
	l.mu.Unlock()

	l.hits.Set(0)
	l.sampled.Set(0)
}

// Rate returns the current effective per-second rate.
func (l *Limiter) Rate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Stats is a snapshot of the limiter's lifetime counters, for diagnostics.
type Stats struct {
	Allowed int64
	Blocked int64
}

func (l *Limiter) Stats() Stats {
	return Stats{Allowed: l.allowed.Get(), Blocked: l.blocked.Get()}
}

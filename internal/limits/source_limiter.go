// Package limits admits requests per source address before any other
// work happens.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quietwire/relay/internal/clock"
	"github.com/quietwire/relay/internal/monitoring"
)

// SourceLimiter keeps one token bucket per source address: capacity
// `points`, refilled over `window`. Buckets are created on first use
// and dropped again after a full window with no consumption.
//
// Tokens are spent against an explicit instant from the injected clock,
// so refill behavior is testable without real time passing.
type SourceLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry

	points int
	window time.Duration
	perSec rate.Limit

	clk    clock.Clock
	logger zerolog.Logger

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewSourceLimiter(points int, window time.Duration, clk clock.Clock, logger zerolog.Logger) *SourceLimiter {
	l := &SourceLimiter{
		buckets:   make(map[string]*bucketEntry),
		points:    points,
		window:    window,
		perSec:    rate.Limit(float64(points) / window.Seconds()),
		clk:       clk,
		logger:    logger.With().Str("component", "rate_limiter").Logger(),
		stopSweep: make(chan struct{}),
	}

	l.sweepTicker = time.NewTicker(time.Minute)
	go l.sweepLoop()

	return l
}

// Admit consumes one token for source. An empty bucket rejects; the
// caller answers 429 and does no further work.
func (l *SourceLimiter) Admit(source string) bool {
	now := l.clk.Now()

	l.mu.Lock()
	entry, ok := l.buckets[source]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(l.perSec, l.points)}
		l.buckets[source] = entry
	}
	entry.lastAccess = now
	l.mu.Unlock()

	if !entry.limiter.AllowN(now, 1) {
		monitoring.RateLimited.Inc()
		l.logger.Debug().
			Str("source", source).
			Int("points", l.points).
			Dur("window", l.window).
			Msg("Request rejected: rate limit exceeded")
		return false
	}
	return true
}

// Sweep drops buckets idle for at least one full window and returns how
// many went. The background loop calls it every minute; tests call it
// directly.
func (l *SourceLimiter) Sweep() int {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for source, entry := range l.buckets {
		if now.Sub(entry.lastAccess) >= l.window {
			delete(l.buckets, source)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.buckets)).
			Msg("Dropped idle rate-limit buckets")
	}
	return removed
}

// Tracked returns the number of live buckets.
func (l *SourceLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop halts the background sweep.
func (l *SourceLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopSweep) })
}

func (l *SourceLimiter) sweepLoop() {
	for {
		select {
		case <-l.sweepTicker.C:
			l.Sweep()
		case <-l.stopSweep:
			l.sweepTicker.Stop()
			return
		}
	}
}

// Package ratelimit paces fetches per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/jobpost-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is the per-host request rate; zero or less disables pacing.
	DefaultRPS   float64
	DefaultBurst int
	// PenaltyFactor scales a host's rate down each time it is penalized.
	// Values outside (0,1) default to 0.5.
	PenaltyFactor float64
	// MinRPS is the floor applied after penalties.
	MinRPS float64
}

type hostState struct {
	limiter     *rate.Limiter
	pausedUntil time.Time
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	hosts        map[string]*hostState
	defaultRate  rate.Limit
	defaultBurst int
	factor       float64
	minRate      rate.Limit
	now          func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	factor := cfg.PenaltyFactor
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	minRate := rate.Limit(cfg.MinRPS)
	if cfg.MinRPS <= 0 {
		minRate = 0.05
	}
	return &Limiter{
		hosts:        make(map[string]*hostState),
		defaultRate:  r,
		defaultBurst: burst,
		factor:       factor,
		minRate:      minRate,
		now:          time.Now,
	}
}

// Host returns the lower-cased host of rawURL, or "unknown".
func Host(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func (l *Limiter) state(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.hosts[host] = st
	}
	return st
}

// Wait blocks until the host of rawURL may be fetched again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := Host(rawURL)
	st := l.state(host)

	start := time.Now()
	l.mu.Lock()
	pause := st.pausedUntil.Sub(l.now())
	l.mu.Unlock()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit pause: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Penalize backs off the host of rawURL after it answered 429 or 403: fetches
// pause for the given duration and the host's rate is reduced.
func (l *Limiter) Penalize(rawURL string, pause time.Duration) {
	st := l.state(Host(rawURL))

	l.mu.Lock()
	defer l.mu.Unlock()
	if until := l.now().Add(pause); until.After(st.pausedUntil) {
		st.pausedUntil = until
	}
	current := st.limiter.Limit()
	if current == rate.Inf {
		st.limiter.SetLimit(rate.Limit(1))
		return
	}
	next := rate.Limit(float64(current) * l.factor)
	if next < l.minRate {
		next = l.minRate
	}
	st.limiter.SetLimit(next)
}

// Rate returns the current rate for the host of rawURL.
func (l *Limiter) Rate(rawURL string) rate.Limit {
	return l.state(Host(rawURL)).limiter.Limit()
}

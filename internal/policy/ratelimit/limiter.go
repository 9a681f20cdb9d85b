// Package ratelimit implements a per-host token bucket that throttles requests
// to the Jenkins controller.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	"github.com/JakeFAU/jenkins-dump/internal/metrics"
)

const unknownHost = "unknown"

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables
// throttling.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
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
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the host of rawURL, respecting
// the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	return l.waitHost(ctx, hostOf(rawURL))
}

func (l *Limiter) waitHost(ctx context.Context, host string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, d)
	}
	return nil
}

// Fetcher throttles every request of the wrapped fetcher. Relative targets
// are charged to the host of the base URL.
type Fetcher struct {
	next     crawler.Fetcher
	limiter  *Limiter
	baseHost string
}

// Wrap decorates next with the limiter.
func Wrap(next crawler.Fetcher, limiter *Limiter, baseURL string) *Fetcher {
	return &Fetcher{next: next, limiter: limiter, baseHost: hostOf(baseURL)}
}

// Fetch waits for a token, then delegates.
func (f *Fetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	host := hostOf(target)
	if host == unknownHost {
		host = f.baseHost
	}
	if err := f.limiter.waitHost(ctx, host); err != nil {
		return nil, &crawler.FetchError{URL: target, Err: err}
	}
	return f.next.Fetch(ctx, target)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return unknownHost
	}
	return strings.ToLower(u.Hostname())
}

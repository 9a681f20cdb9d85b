package crawler

import (
	"context"
	"time"
)

// Fetcher issues one logical GET against the Jenkins server. The target is
// either a path resolved against the configured base URL or an absolute URL.
// Failures are reported as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, target string) ([]byte, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, target string) ([]byte, error)

// Fetch calls f(ctx, target).
func (f FetcherFunc) Fetch(ctx context.Context, target string) ([]byte, error) {
	return f(ctx, target)
}

// Publisher pushes dump notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

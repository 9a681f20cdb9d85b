package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
)

func TestLimiter_Wait(t *testing.T) {
	l := New(Config{
		DefaultRPS:   10, // 10 requests per second = 100ms interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	// Consume initial token
	require.NoError(t, l.Wait(ctx, "https://ci.example.org/api/json"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://ci.example.org/job/A/api/json"))
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentHosts(t *testing.T) {
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.org/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.org/1"))
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("host b blocked unexpectedly")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "https://ci.example.org/"))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiter_ContextCanceled(t *testing.T) {
	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx, "https://ci.example.org/"))
	cancel()
	require.Error(t, l.Wait(ctx, "https://ci.example.org/"))
}

func TestFetcher_ChargesRelativeTargetsToBaseHost(t *testing.T) {
	var calls atomic.Int32
	next := crawler.FetcherFunc(func(_ context.Context, _ string) ([]byte, error) {
		calls.Add(1)
		return []byte("ok"), nil
	})
	f := Wrap(next, New(Config{DefaultRPS: 0.01, DefaultBurst: 1}), "https://ci.example.org/")

	body, err := f.Fetch(context.Background(), "api/json")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	// The base host bucket is now empty, so an absolute URL on the same host
	// must wait and give up with the context.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "https://ci.example.org/job/A/api/json")
	var fetchErr *crawler.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.True(t, fetchErr.Unreachable())
	assert.Equal(t, int32(1), calls.Load())
}

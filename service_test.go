package memolock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stumble/memolock"
)

func TestCacheServiceBasicDedup(t *testing.T) {
	_, cmdClient, subClient := newTestRedis(t)

	svc := memolock.NewCacheService(cmdClient, subClient, memolock.NewConfig())
	t.Cleanup(func() { _ = svc.Disconnect(context.Background()) })

	ctx := context.Background()
	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		return atomic.AddInt64(&calls, 1) - 1, nil
	}
	opts := memolock.GetOptions{TTL: memolock.FixedTTL(time.Minute)}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			v, err := svc.Get(ctx, "K", opts, fetch)
			require.NoError(t, err)
			results[idx] = v
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.EqualValues(t, 0, r)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestCacheServiceMsgpackCodecRoundTrip(t *testing.T) {
	_, cmdClient, subClient := newTestRedis(t)

	svc := memolock.NewCacheService(cmdClient, subClient, memolock.NewConfig(
		memolock.WithCodec(memolock.MsgpackCodec{}),
	))
	t.Cleanup(func() { _ = svc.Disconnect(context.Background()) })

	ctx := context.Background()
	var calls int64
	fetch := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return map[string]any{"id": "widget-1", "count": 5}, nil
	}
	opts := memolock.GetOptions{TTL: memolock.FixedTTL(time.Minute)}

	v, err := svc.Get(ctx, "K", opts, fetch)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "widget-1", m["id"])
	require.EqualValues(t, 5, m["count"])

	// The second Get reads the value back out of the cache through the
	// msgpack codec rather than returning the fetcher's in-memory result, so
	// this exercises Decode as well as Encode.
	v, err = svc.Get(ctx, "K", opts, fetch)
	require.NoError(t, err)
	m, ok = v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "widget-1", m["id"])
	require.EqualValues(t, 5, m["count"])
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestCacheServiceMaxAttemptsExhausted(t *testing.T) {
	_, cmdClient, subClient := newTestRedis(t)

	svc := memolock.NewCacheService(cmdClient, subClient, memolock.NewConfig())
	t.Cleanup(func() { _ = svc.Disconnect(context.Background()) })

	ctx := context.Background()
	block := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		<-block
		return 0, nil
	}
	opts := memolock.GetOptions{
		TTL:         memolock.FixedTTL(time.Minute),
		LockTimeout: 50 * time.Millisecond,
		MaxAttempts: 1,
	}

	go func() { _, _ = svc.Get(ctx, "K", opts, fetch) }()
	time.Sleep(10 * time.Millisecond)

	_, err := svc.Get(ctx, "K", opts, fetch)
	require.EqualError(t, err, "Never received message that key was unlocked.")
	close(block)
}

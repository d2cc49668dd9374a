package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stumble/memolock/internal/backing"
	"github.com/stumble/memolock/internal/coordinator"
	"github.com/stumble/memolock/internal/multiplexer"
)

type jsonCodec struct{}

func (jsonCodec) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "null", nil
	}
	return string(b), nil
}

func (jsonCodec) Decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func newTestCoordinator(t *testing.T) (*coordinator.Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cmdClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := backing.NewStore(cmdClient, subClient)
	t.Cleanup(func() { _ = store.Close() })

	mux := multiplexer.New(store, nil)
	t.Cleanup(mux.Close)

	coord := coordinator.New(store, mux, nil)
	return coord, mr
}

// TestBasicDedup checks that 20 concurrent Gets on a fresh key all receive the
// same fetched value, and the fetch runs exactly once.
func TestBasicDedup(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	var counter int64
	fetch := func(ctx context.Context) (any, error) {
		return atomic.AddInt64(&counter, 1) - 1, nil
	}
	opts := coordinator.Options{TTL: coordinator.TTL{Fixed: 5 * time.Second}, Codec: jsonCodec{}}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	outcomes := make([]coordinator.Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			results[idx], outcomes[idx], errs[idx] = coord.Get(ctx, "K", opts, fetch)
		}()
	}
	wg.Wait()

	var fetched, waited int
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.EqualValues(t, 0, results[i])
		switch outcomes[i] {
		case coordinator.OutcomeFetched:
			fetched++
		case coordinator.OutcomeWaited:
			waited++
		default:
			t.Fatalf("unexpected outcome %q", outcomes[i])
		}
	}
	require.Equal(t, 1, fetched)
	require.Equal(t, n-1, waited)
	require.EqualValues(t, 1, atomic.LoadInt64(&counter))
}

// TestTTLExpiry checks that a cached value re-fetches once its TTL expires.
func TestTTLExpiry(t *testing.T) {
	coord, mr := newTestCoordinator(t)
	ctx := context.Background()

	var counter int64
	fetch := func(ctx context.Context) (any, error) {
		return atomic.AddInt64(&counter, 1) - 1, nil
	}
	opts := coordinator.Options{TTL: coordinator.TTL{Fixed: 100 * time.Millisecond}, Codec: jsonCodec{}}

	v, outcome, err := coord.Get(ctx, "K", opts, fetch)
	require.NoError(t, err)
	require.EqualValues(t, 0, v)
	require.Equal(t, coordinator.OutcomeFetched, outcome)

	mr.FastForward(150 * time.Millisecond)

	v, outcome, err = coord.Get(ctx, "K", opts, fetch)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
	require.Equal(t, coordinator.OutcomeFetched, outcome)
}

// TestFetchFailureRetry checks that the fetcher's error is surfaced to it
// verbatim, and that a second Get started shortly after is not blocked by the
// failure: the failed fetch released the lock, so it becomes the new fetcher
// and succeeds.
func TestFetchFailureRetry(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	var calls int64
	boom := errors.New("boom")
	fetch := func(ctx context.Context) (any, error) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			return nil, boom
		}
		return 0, nil
	}
	opts := coordinator.Options{
		TTL:         coordinator.TTL{Fixed: 5 * time.Second},
		LockTimeout: 300 * time.Millisecond,
		MaxAttempts: 5,
		Codec:       jsonCodec{},
	}

	var wg sync.WaitGroup
	var firstErr, secondErr error
	var secondVal any

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, firstErr = coord.Get(ctx, "K", opts, fetch)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		secondVal, _, secondErr = coord.Get(ctx, "K", opts, fetch)
	}()
	wg.Wait()

	require.ErrorIs(t, firstErr, boom)
	require.NoError(t, secondErr)
	require.EqualValues(t, 0, secondVal)
}

// TestMaxAttemptsExhaustion checks that a waiter gives up with
// ErrMaxAttemptsExhausted once it has used MaxAttempts attempts (here one, so
// no retry) against a fetcher that never releases the lock.
func TestMaxAttemptsExhaustion(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	block := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		<-block
		return 0, nil
	}
	opts := coordinator.Options{
		TTL:         coordinator.TTL{Fixed: 5 * time.Second},
		LockTimeout: 50 * time.Millisecond,
		MaxAttempts: 1,
		Codec:       jsonCodec{},
	}

	go func() {
		_, _, _ = coord.Get(ctx, "K", opts, fetch)
	}()
	time.Sleep(10 * time.Millisecond)

	_, _, err := coord.Get(ctx, "K", opts, fetch)
	require.EqualError(t, err, "Never received message that key was unlocked.")
	close(block)
}

// TestCacheIfPublishesWithoutStoring checks that a value rejected by CacheIf is
// still published to waiters but never written to the cache, so the next Get
// re-fetches.
func TestCacheIfPublishesWithoutStoring(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	var counter int64
	fetch := func(ctx context.Context) (any, error) {
		return atomic.AddInt64(&counter, 1) - 1, nil
	}
	opts := coordinator.Options{
		TTL:         coordinator.TTL{Fixed: 5 * time.Second},
		LockTimeout: time.Second,
		Codec:       jsonCodec{},
		CacheIf: func(v any) bool {
			f, ok := v.(float64)
			if !ok {
				f = float64(v.(int64))
			}
			return f >= 1
		},
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		idx := i
		go func() {
			defer wg.Done()
			v, _, err := coord.Get(ctx, "K", opts, fetch)
			require.NoError(t, err)
			results[idx] = v
		}()
	}
	wg.Wait()
	for _, r := range results {
		require.EqualValues(t, 0, r)
	}

	v, _, err := coord.Get(ctx, "K", opts, fetch)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, _, err = coord.Get(ctx, "K", opts, fetch)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
	require.EqualValues(t, 2, atomic.LoadInt64(&counter))
}

// TestRetriedOutcome checks that a waiter whose first subscription attempt
// times out, then succeeds on a retried attempt, is reported as
// OutcomeRetried rather than OutcomeWaited, while the fetcher it was waiting
// on is still reported as a plain OutcomeFetched.
func TestRetriedOutcome(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	block := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		<-block
		return 0, nil
	}
	opts := coordinator.Options{
		TTL:         coordinator.TTL{Fixed: 5 * time.Second},
		LockTimeout: 50 * time.Millisecond,
		MaxAttempts: 3,
		Codec:       jsonCodec{},
	}

	var wg sync.WaitGroup
	var fetcherOutcome, waiterOutcome coordinator.Outcome
	var fetcherErr, waiterErr error
	var fetcherVal, waiterVal any

	wg.Add(1)
	go func() {
		defer wg.Done()
		fetcherVal, fetcherOutcome, fetcherErr = coord.Get(ctx, "K", opts, fetch)
	}()
	time.Sleep(5 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		waiterVal, waiterOutcome, waiterErr = coord.Get(ctx, "K", opts, fetch)
	}()

	time.Sleep(80 * time.Millisecond)
	close(block)
	wg.Wait()

	require.NoError(t, fetcherErr)
	require.Equal(t, coordinator.OutcomeFetched, fetcherOutcome)
	require.NoError(t, waiterErr)
	require.Equal(t, coordinator.OutcomeRetried, waiterOutcome)
	require.EqualValues(t, 0, fetcherVal)
	require.EqualValues(t, 0, waiterVal)
}

// TestDecodeThrowsIsolation checks that a fetcher's in-memory return value is
// unaffected by a decode error that only poisons waiters on the done channel.
func TestDecodeThrowsIsolation(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		<-release
		return "some-value", nil
	}
	decodeErr := fmt.Errorf("decode always fails")
	opts := coordinator.Options{
		TTL:         coordinator.TTL{Fixed: 5 * time.Second},
		LockTimeout: time.Second,
		Codec: throwingCodec{
			encode: jsonCodec{}.Encode,
			err:    decodeErr,
		},
	}

	var wg sync.WaitGroup
	var fetcherVal any
	var fetcherErr, waiterErr error
	var waiterVal any

	wg.Add(1)
	go func() {
		defer wg.Done()
		fetcherVal, _, fetcherErr = coord.Get(ctx, "K", opts, fetch)
	}()
	time.Sleep(20 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		waiterVal, _, waiterErr = coord.Get(ctx, "K", opts, fetch)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, fetcherErr)
	require.Equal(t, "some-value", fetcherVal)
	require.Nil(t, waiterVal)
	require.ErrorIs(t, waiterErr, decodeErr)
}

type throwingCodec struct {
	encode func(v any) (string, error)
	err    error
}

func (c throwingCodec) Encode(v any) (string, error) { return c.encode(v) }
func (c throwingCodec) Decode(s string) (any, error) { return nil, c.err }

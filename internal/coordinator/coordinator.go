// Package coordinator implements the lock/wait algorithm for a single key —
// read-through, lock acquisition, the fetch-or-wait branch, publish-and-release,
// and the timeout-driven retry loop.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stumble/memolock/internal/backing"
	"github.com/stumble/memolock/internal/multiplexer"
)

const (
	lockSentinel      = "locked"
	lockKeySuffix     = ":lock"
	doneChannelSuffix = "_done"

	defaultLockTimeout = time.Second
	defaultMaxAttempts = 3
)

// ErrMaxAttemptsExhausted is returned once a waiter has used MaxAttempts attempts
// in total without ever observing either a cached value or a done-channel message. The
// message text is fixed so callers matching on it by string stay stable.
var ErrMaxAttemptsExhausted = fmt.Errorf("Never received message that key was unlocked.")

// FetchFunc performs the expensive underlying computation for a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// Outcome labels how a successful Get was resolved, so callers can distinguish
// a cache hit from a fetch from a wait without inspecting internal state.
type Outcome string

const (
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeFetched  Outcome = "fetched"
	OutcomeWaited   Outcome = "waited"
	OutcomeRetried  Outcome = "retried"
)

// Codec mirrors memolock.Codec without importing the root package (avoids an
// import cycle between the public API and its internal coordinator).
type Codec interface {
	Encode(v any) (string, error)
	Decode(s string) (any, error)
}

// TTL is either a fixed duration or a function of the fetched value.
type TTL struct {
	Fixed  time.Duration
	PerVal func(v any) time.Duration
}

// Resolve returns the TTL to apply to v.
func (t TTL) Resolve(v any) time.Duration {
	if t.PerVal != nil {
		return t.PerVal(v)
	}
	return t.Fixed
}

// Options configures one Get call. Absent fields take the documented defaults.
type Options struct {
	TTL          TTL
	LockTimeout  time.Duration
	MaxAttempts  int
	ForceRefresh bool
	Codec        Codec
	CacheIf      func(v any) bool
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.CacheIf == nil {
		o.CacheIf = func(any) bool { return true }
	}
	return o
}

// ErrorHandler is the sink for best-effort cleanup failures: lock DEL after a
// failed fetch, or any other operation whose error must never reach the caller.
type ErrorHandler func(err error)

// DefaultErrorHandler logs via zerolog.
func DefaultErrorHandler(err error) {
	log.Err(err).Msg("coordinator: background error")
}

// Coordinator implements the per-key lock/wait state machine: at most one
// fetch in flight per key, with late arrivals waiting on a done channel.
type Coordinator struct {
	store        *backing.Store
	mux          *multiplexer.Multiplexer
	errorHandler ErrorHandler

	mu            sync.Mutex
	lockedLocally map[string]struct{}
}

// New builds a Coordinator over store and mux.
func New(store *backing.Store, mux *multiplexer.Multiplexer, errorHandler ErrorHandler) *Coordinator {
	if errorHandler == nil {
		errorHandler = DefaultErrorHandler
	}
	return &Coordinator{
		store:         store,
		mux:           mux,
		errorHandler:  errorHandler,
		lockedLocally: make(map[string]struct{}),
	}
}

// Get runs an optional cache read, then acquireOrWait. The returned Outcome is
// only meaningful when err is nil.
func (c *Coordinator) Get(ctx context.Context, key string, opts Options, fetch FetchFunc) (any, Outcome, error) {
	opts = opts.withDefaults()
	if opts.Codec == nil {
		return nil, "", fmt.Errorf("coordinator: Options.Codec is required")
	}
	return c.get(ctx, key, opts, fetch, 0)
}

// get is one attempt of Get. A waiter that times out re-enters here, so a retry
// re-reads the cache before negotiating the lock again.
func (c *Coordinator) get(ctx context.Context, key string, opts Options, fetch FetchFunc, attempts int) (any, Outcome, error) {
	if !opts.ForceRefresh {
		value, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, "", err
		}
		if ok {
			decoded, err := opts.Codec.Decode(value)
			if err != nil {
				return nil, "", fmt.Errorf("coordinator: decode cached value for %s: %w", key, err)
			}
			if attempts > 0 {
				return decoded, OutcomeRetried, nil
			}
			return decoded, OutcomeCacheHit, nil
		}
	}

	return c.acquireOrWait(ctx, key, opts, fetch, attempts)
}

func (c *Coordinator) markLockedLocally(key string) (alreadyLocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, already := c.lockedLocally[key]
	c.lockedLocally[key] = struct{}{}
	return already
}

func (c *Coordinator) clearLockedLocally(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lockedLocally, key)
}

// acquireOrWait runs one attempt of the negotiating/fetching/waiting state
// machine. A waiter timeout restarts Get for the next attempt, up to
// opts.MaxAttempts attempts in total. Once a
// call has needed more than one attempt to resolve, its outcome is reported as
// OutcomeRetried regardless of whether this attempt fetched or waited, since
// that is the distinction a caller watching the metric actually cares about.
func (c *Coordinator) acquireOrWait(ctx context.Context, key string, opts Options, fetch FetchFunc, attempts int) (any, Outcome, error) {
	lockKey := key + lockKeySuffix
	doneChannel := key + doneChannelSuffix

	alreadyLockedLocally := c.markLockedLocally(key)
	acquired := false
	if !alreadyLockedLocally {
		ok, err := c.store.SetNxPX(ctx, lockKey, lockSentinel, opts.LockTimeout)
		if err != nil {
			c.clearLockedLocally(key)
			return nil, "", err
		}
		acquired = ok
	}

	var value any
	var outcome Outcome
	var err error
	if !acquired {
		value, outcome, err = c.wait(ctx, key, doneChannel, opts, fetch, attempts)
	} else {
		value, outcome, err = c.fetchAndPublish(ctx, key, lockKey, doneChannel, opts, fetch)
	}
	if err == nil && attempts > 0 {
		outcome = OutcomeRetried
	}
	return value, outcome, err
}

// wait implements the waiter branch: subscribe once to doneChannel and either
// resolve with the published value or retry from the top on timeout.
func (c *Coordinator) wait(ctx context.Context, key, doneChannel string, opts Options, fetch FetchFunc, attempts int) (any, Outcome, error) {
	type result struct {
		value   any
		outcome Outcome
		err     error
	}
	resultCh := make(chan result, 1)

	c.mux.SubscribeOnce(ctx, doneChannel, multiplexer.Options{
		Timeout: opts.LockTimeout,
		Decode: func(payload string) (any, error) {
			return opts.Codec.Decode(payload)
		},
		OnSuccess: func(v any) {
			c.clearLockedLocally(key)
			resultCh <- result{value: v, outcome: OutcomeWaited}
		},
		OnError: func(timedOut bool, err error) {
			c.clearLockedLocally(key)
			if !timedOut {
				resultCh <- result{err: err}
				return
			}
			if attempts+1 >= opts.MaxAttempts {
				resultCh <- result{err: ErrMaxAttemptsExhausted}
				return
			}
			v, outcome, err := c.get(ctx, key, opts, fetch, attempts+1)
			resultCh <- result{value: v, outcome: outcome, err: err}
		},
	})

	select {
	case r := <-resultCh:
		return r.value, r.outcome, r.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// fetchAndPublish implements the fetcher branch: invoke fetch, then either
// best-effort unlock on failure or encode+pipeline+return on success.
func (c *Coordinator) fetchAndPublish(ctx context.Context, key, lockKey, doneChannel string, opts Options, fetch FetchFunc) (any, Outcome, error) {
	value, err := c.safeFetch(ctx, fetch)
	if err != nil {
		if _, delErr := c.store.Del(ctx, lockKey); delErr != nil {
			c.errorHandler(fmt.Errorf("coordinator: cleanup DEL %s after fetch failure: %w", lockKey, delErr))
		}
		c.clearLockedLocally(key)
		return nil, "", err
	}

	encoded, err := opts.Codec.Encode(value)
	if err != nil {
		if _, delErr := c.store.Del(ctx, lockKey); delErr != nil {
			c.errorHandler(fmt.Errorf("coordinator: cleanup DEL %s after encode failure: %w", lockKey, delErr))
		}
		c.clearLockedLocally(key)
		return nil, "", fmt.Errorf("coordinator: encode value for %s: %w", key, err)
	}

	ttl := opts.TTL.Resolve(value)
	ops := make([]backing.Op, 0, 3)
	if opts.CacheIf(value) && ttl > 0 {
		ops = append(ops, backing.Op{SetPX: &backing.SetPXOp{Key: key, Value: encoded, TTL: ttl}})
	}
	ops = append(ops,
		backing.Op{Publish: &backing.PublishOp{Channel: doneChannel, Payload: encoded}},
		backing.Op{Del: &backing.DelOp{Key: lockKey}},
	)
	if err := c.store.Pipeline(ctx, ops...); err != nil {
		c.errorHandler(fmt.Errorf("coordinator: publish pipeline for %s: %w", key, err))
	}

	c.clearLockedLocally(key)
	// Return the in-memory value directly: the fetcher skips the encode/decode
	// round trip that waiters must go through.
	return value, OutcomeFetched, nil
}

// safeFetch runs fetch, converting a panic into an error so a misbehaving user
// fetch function can never take down the process or leave the lock held forever.
func (c *Coordinator) safeFetch(ctx context.Context, fetch FetchFunc) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator: fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

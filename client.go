package memolock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/stumble/memolock/internal/backing"
	"github.com/stumble/memolock/internal/coordinator"
	"github.com/stumble/memolock/internal/multiplexer"
)

// FetchFunc computes the expensive value for v on a cache miss.
type FetchFunc[T any] func(ctx context.Context, v T) (any, error)

// ClientOptions configures a typed Client[T].
type ClientOptions[T any] struct {
	// GetKey derives the cache key from a typed input. Required.
	GetKey func(v T) string

	// Default is the GetOptions applied when a call site passes none.
	Default GetOptions

	Config Config
}

// Client is the typed façade: it binds a caller-side key derivation function
// and a fetch function to the lock/wait coordinator.
type Client[T any] struct {
	cfg     Config
	getKey  func(v T) string
	fetch   FetchFunc[T]
	coord   *coordinator.Coordinator
	mux     *multiplexer.Multiplexer
	store   *backing.Store
	metrics *MetricSet
	deflt   GetOptions
}

// New builds a Client[T] over a command client and subscription client.
func New[T any](cmdClient, subClient redis.UniversalClient, opts ClientOptions[T], fetch FetchFunc[T]) *Client[T] {
	if opts.GetKey == nil {
		panic("memolock: ClientOptions.GetKey is required")
	}
	cfg := opts.Config.withDefaults()

	var metrics *MetricSet
	if cfg.EnableMetrics {
		metrics = NewMetricSet(cfg.MetricsNamespace)
		metrics.Register()
	}
	handler := wrapErrorHandler(cfg.ErrorHandler, metrics)

	store := backing.NewStore(cmdClient, subClient)
	mux := multiplexer.New(store, multiplexer.ErrorHandler(handler))
	coord := coordinator.New(store, mux, coordinator.ErrorHandler(handler))

	return &Client[T]{
		cfg:     cfg,
		getKey:  opts.GetKey,
		fetch:   fetch,
		coord:   coord,
		mux:     mux,
		store:   store,
		metrics: metrics,
		deflt:   opts.Default,
	}
}

// Get derives v's key and runs it through the lock/wait coordinator, invoking
// fetch(ctx, v) at most once per in-process caller per key per attempt.
func (c *Client[T]) Get(ctx context.Context, v T, overrides ...func(*GetOptions)) (any, error) {
	opts := c.resolveOptions(overrides...)
	key := c.getKey(v)
	started := time.Now()

	result, outcome, err := c.coord.Get(ctx, key, opts.toInternal(c.cfg.DefaultCodec), func(ctx context.Context) (any, error) {
		return c.fetch(ctx, v)
	})
	c.recordOutcome(started, outcome, err)
	return result, err
}

// Delete invalidates v's cache entry. It does not interrupt an in-flight fetch; a
// concurrent fetch may immediately repopulate the key.
func (c *Client[T]) Delete(ctx context.Context, v T) (int64, error) {
	return c.store.Del(ctx, c.getKey(v))
}

// Set writes data directly to v's cache slot for cache-warming purposes. This
// bypasses the lock protocol entirely and races with any in-flight Get's pipeline:
// the last writer wins.
func (c *Client[T]) Set(ctx context.Context, v T, data any) error {
	opts := c.resolveOptions()
	codec := opts.Codec
	if codec == nil {
		codec = c.cfg.DefaultCodec
	}
	encoded, err := codec.Encode(data)
	if err != nil {
		return fmt.Errorf("memolock: encode for Set: %w", err)
	}
	ttl := opts.TTL.Resolve(data)
	return c.store.SetPX(ctx, c.getKey(v), encoded, ttl)
}

// Disconnect closes both Redis clients concurrently, swallowing
// already-closed errors, and stops the background multiplexer loop.
func (c *Client[T]) Disconnect(_ context.Context) error {
	if c.metrics != nil {
		c.metrics.Unregister()
	}
	c.mux.Close()
	if err := c.store.Close(); err != nil {
		c.cfg.ErrorHandler(err)
	}

	var g errgroup.Group
	g.Go(func() error { return swallowClosed(c.store.CmdClient().Close()) })
	g.Go(func() error { return swallowClosed(c.store.SubClient().Close()) })
	return g.Wait()
}

func (c *Client[T]) resolveOptions(overrides ...func(*GetOptions)) GetOptions {
	opts := c.deflt
	for _, o := range overrides {
		o(&opts)
	}
	return c.cfg.applyDefaults(opts)
}

func (c *Client[T]) recordOutcome(started time.Time, outcome coordinator.Outcome, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case err == nil:
		c.metrics.observe(outcomeLabel(outcome), started)
	case errors.Is(err, coordinator.ErrMaxAttemptsExhausted):
		c.metrics.observe(OutcomeExhausted, started)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.metrics.observe(OutcomeTimedOut, started)
	default:
		c.metrics.observe(OutcomeFetchFailed, started)
	}
}

// outcomeLabel maps a coordinator.Outcome onto the Outcome metric's label set,
// defaulting to OutcomeFetched for the zero value (which a successful Get never
// actually produces, but keeps this total in case that ever changes).
func outcomeLabel(o coordinator.Outcome) string {
	if o == "" {
		return OutcomeFetched
	}
	return string(o)
}

// wrapErrorHandler routes every best-effort cleanup failure through handler and,
// when metrics are enabled, also counts it, so cleanup errors that never reach a
// caller still show up in aggregate.
func wrapErrorHandler(handler ErrorHandler, metrics *MetricSet) ErrorHandler {
	return func(err error) {
		metrics.observeError("cleanup")
		handler(err)
	}
}

// swallowClosed treats "already closed" as success.
func swallowClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

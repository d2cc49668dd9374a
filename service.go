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

// CacheService exposes Get/Delete/Set directly, keyed by a raw string, for callers
// that do not want a typed Client.
type CacheService struct {
	cfg     Config
	coord   *coordinator.Coordinator
	mux     *multiplexer.Multiplexer
	store   *backing.Store
	metrics *MetricSet
}

// NewCacheService builds a CacheService over a command client and subscription
// client.
func NewCacheService(cmdClient, subClient redis.UniversalClient, cfg Config) *CacheService {
	cfg = cfg.withDefaults()

	var metrics *MetricSet
	if cfg.EnableMetrics {
		metrics = NewMetricSet(cfg.MetricsNamespace)
		metrics.Register()
	}
	handler := wrapErrorHandler(cfg.ErrorHandler, metrics)

	store := backing.NewStore(cmdClient, subClient)
	mux := multiplexer.New(store, multiplexer.ErrorHandler(handler))
	coord := coordinator.New(store, mux, coordinator.ErrorHandler(handler))

	return &CacheService{cfg: cfg, coord: coord, mux: mux, store: store, metrics: metrics}
}

// Get runs key through the lock/wait coordinator, calling fetch at most once per
// in-process caller per key per attempt.
func (s *CacheService) Get(ctx context.Context, key string, opts GetOptions, fetch func(ctx context.Context) (any, error)) (any, error) {
	opts = s.cfg.applyDefaults(opts)
	started := time.Now()
	result, outcome, err := s.coord.Get(ctx, key, opts.toInternal(s.cfg.DefaultCodec), fetch)
	if s.metrics != nil {
		switch {
		case err == nil:
			s.metrics.observe(outcomeLabel(outcome), started)
		case errors.Is(err, coordinator.ErrMaxAttemptsExhausted):
			s.metrics.observe(OutcomeExhausted, started)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			s.metrics.observe(OutcomeTimedOut, started)
		default:
			s.metrics.observe(OutcomeFetchFailed, started)
		}
	}
	return result, err
}

// Delete invalidates key. It does not interrupt an in-flight fetch.
func (s *CacheService) Delete(ctx context.Context, key string) (int64, error) {
	return s.store.Del(ctx, key)
}

// Set writes data directly to key's cache slot, bypassing the lock protocol.
func (s *CacheService) Set(ctx context.Context, key string, data any, opts GetOptions) error {
	opts = s.cfg.applyDefaults(opts)
	codec := opts.Codec
	if codec == nil {
		codec = s.cfg.DefaultCodec
	}
	encoded, err := codec.Encode(data)
	if err != nil {
		return fmt.Errorf("memolock: encode for Set: %w", err)
	}
	return s.store.SetPX(ctx, key, encoded, opts.TTL.Resolve(data))
}

// Disconnect closes both Redis clients concurrently, swallowing already-closed
// errors, and stops the background multiplexer loop.
func (s *CacheService) Disconnect(_ context.Context) error {
	if s.metrics != nil {
		s.metrics.Unregister()
	}
	s.mux.Close()
	if err := s.store.Close(); err != nil {
		s.cfg.ErrorHandler(err)
	}

	var g errgroup.Group
	g.Go(func() error { return swallowClosed(s.store.CmdClient().Close()) })
	g.Go(func() error { return swallowClosed(s.store.SubClient().Close()) })
	return g.Wait()
}

// Package backing is a narrow facade over two Redis clients (a command client
// and a subscription client) exposing exactly the operations the coordinator
// and multiplexer need, and nothing else.
package backing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Message is one inbound pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Store is the backing-store facade. It holds two logically distinct Redis clients:
// cmd for GET/SET/DEL/PUBLISH/PIPELINE, and sub which is only ever in subscribe
// mode. Many pub/sub implementations, go-redis included in practice, discourage
// issuing commands on a client that is actively subscribed, so the two are kept
// apart even though go-redis technically tolerates mixed use on one connection.
type Store struct {
	cmd redis.UniversalClient
	sub redis.UniversalClient

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]struct{}

	messages chan Message
	closed   chan struct{}
	once     sync.Once
}

// NewStore builds a facade over two separate Redis clients: one for commands, one
// dedicated to subscriptions.
func NewStore(cmdClient, subClient redis.UniversalClient) *Store {
	s := &Store{
		cmd:      cmdClient,
		sub:      subClient,
		channels: make(map[string]struct{}),
		messages: make(chan Message, 64),
		closed:   make(chan struct{}),
	}
	// Subscribe with no channels yet; channels are added/removed as waiters come
	// and go via Subscribe/Unsubscribe.
	s.pubsub = s.sub.Subscribe(context.Background())
	go s.drain()
	return s
}

// NewStoreSharedClient builds a facade that uses a single Redis client for both
// commands and subscriptions. Only safe against backing stores that tolerate
// mixed-mode connections.
func NewStoreSharedClient(client redis.UniversalClient) *Store {
	return NewStore(client, client)
}

// drain forwards the shared pubsub's channel into Store.messages until Close.
func (s *Store) drain() {
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				close(s.messages)
				return
			}
			select {
			case s.messages <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-s.closed:
				close(s.messages)
				return
			}
		case <-s.closed:
			close(s.messages)
			return
		}
	}
}

// Messages returns the inbound pub/sub stream. Callers are expected to drain it in
// a single dedicated goroutine (the multiplexer does so).
func (s *Store) Messages() <-chan Message {
	return s.messages
}

// Get reads a key. ok is false on a cache miss (redis.Nil).
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	v, err := s.cmd.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("backing: GET %s: %w", key, err)
	}
	return v, true, nil
}

// SetPX sets key to v with a millisecond-precision TTL.
func (s *Store) SetPX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.cmd.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("backing: SET %s: %w", key, err)
	}
	return nil
}

// SetNxPX attempts to set key to value only if absent, with a TTL. acquired is true
// iff this call won the race.
func (s *Store) SetNxPX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.cmd.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("backing: SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Del deletes a key, returning the number of keys removed (0 or 1 here).
func (s *Store) Del(ctx context.Context, key string) (int64, error) {
	n, err := s.cmd.Del(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("backing: DEL %s: %w", key, err)
	}
	return n, nil
}

// Publish publishes payload on channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.cmd.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("backing: PUBLISH %s: %w", channel, err)
	}
	return nil
}

// Subscribe adds channel to the shared subscription. Safe to call concurrently and
// safe to call again for a channel already subscribed (the Store tracks its
// subscribed channels and skips repeats).
func (s *Store) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; ok {
		return nil
	}
	if err := s.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("backing: SUBSCRIBE %s: %w", channel, err)
	}
	s.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe removes channel from the shared subscription. Best-effort: callers
// that only want to log a failure should do so themselves.
func (s *Store) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; !ok {
		return nil
	}
	delete(s.channels, channel)
	if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("backing: UNSUBSCRIBE %s: %w", channel, err)
	}
	return nil
}

// Op is one pipelined operation. Exactly one of the Set*/Publish*/Del* fields is
// populated; Pipeline dispatches them to the command client in slice order.
type Op struct {
	SetPX   *SetPXOp
	Publish *PublishOp
	Del     *DelOp
}

// SetPXOp sets Key to Value with TTL.
type SetPXOp struct {
	Key   string
	Value string
	TTL   time.Duration
}

// PublishOp publishes Payload on Channel.
type PublishOp struct {
	Channel string
	Payload string
}

// DelOp deletes Key.
type DelOp struct {
	Key string
}

// Pipeline batches SetPX/Publish/Del operations against the command client,
// preserving submission order. go-redis does not guarantee atomic execution of a
// pipeline (unlike MULTI/EXEC), only that commands are sent and replies returned
// in order, which is the ordering guarantee callers depend on.
func (s *Store) Pipeline(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	pipe := s.cmd.Pipeline()
	for _, op := range ops {
		switch {
		case op.SetPX != nil:
			pipe.Set(ctx, op.SetPX.Key, op.SetPX.Value, op.SetPX.TTL)
		case op.Publish != nil:
			pipe.Publish(ctx, op.Publish.Channel, op.Publish.Payload)
		case op.Del != nil:
			pipe.Del(ctx, op.Del.Key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backing: pipeline: %w", err)
	}
	return nil
}

// Close shuts down the shared subscription and signals drain to stop. It does not
// close the underlying Redis clients; callers own those (see Client.Disconnect).
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.pubsub.Close()
		if err != nil {
			log.Err(err).Msg("backing: failed to close pubsub")
		}
	})
	return err
}

// CmdClient returns the underlying command client, for callers (e.g. Disconnect)
// that need to close the raw connection.
func (s *Store) CmdClient() redis.UniversalClient { return s.cmd }

// SubClient returns the underlying subscription client.
func (s *Store) SubClient() redis.UniversalClient { return s.sub }

// Package multiplexer is a local registry that fans one upstream backing-store
// subscription out to many in-process waiters, arms a per-waiter timeout, and
// guarantees each waiter's callbacks fire exactly once regardless of whether a
// message, a decode error, or a timeout wins.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stumble/memolock/internal/backing"
)

// ErrTimeout is delivered to a waiter's OnError when its per-waiter timer fires
// before a message arrives on the channel it subscribed to.
var ErrTimeout = errors.New("multiplexer: timed out waiting for message")

// Decode turns a raw payload into a value, or an error if the payload is malformed.
type Decode func(payload string) (any, error)

// ErrorHandler is the sink for cleanup failures and recovered callback panics. It
// never sees anything that is also delivered to a waiter's OnError.
type ErrorHandler func(err error)

// DefaultErrorHandler logs via zerolog rather than the standard library's log
// package.
func DefaultErrorHandler(err error) {
	log.Err(err).Msg("multiplexer: background error")
}

// waiter is one caller's registration on a channel. onError is wrapped with a
// sync.Once-backed latch by SubscribeOnce so it is safe to invoke from both the
// timer goroutine and the dispatch goroutine without risk of a double callback.
type waiter struct {
	onSuccess func(any)
	onError   func(timedOut bool, err error)
}

type subInfo struct {
	decode  Decode
	waiters map[*waiter]struct{}
	timers  map[*waiter]*time.Timer
}

// Multiplexer is the one-shot subscription multiplexer: each channel is
// subscribed upstream at most once regardless of how many local waiters join it.
type Multiplexer struct {
	store        *backing.Store
	errorHandler ErrorHandler

	mu   sync.Mutex
	subs map[string]*subInfo

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Multiplexer reading inbound messages from store. It starts a
// background goroutine that must be stopped with Close.
func New(store *backing.Store, errorHandler ErrorHandler) *Multiplexer {
	if errorHandler == nil {
		errorHandler = DefaultErrorHandler
	}
	m := &Multiplexer{
		store:        store,
		errorHandler: errorHandler,
		subs:         make(map[string]*subInfo),
		stop:         make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Multiplexer) run() {
	defer m.wg.Done()
	for {
		select {
		case msg, ok := <-m.store.Messages():
			if !ok {
				return
			}
			m.dispatch(msg.Channel, msg.Payload)
		case <-m.stop:
			return
		}
	}
}

// Close stops the background dispatch loop. It does not unsubscribe any channel;
// waiters already in flight receive no further message, and their per-waiter
// timers still fire OnError(true, ErrTimeout).
func (m *Multiplexer) Close() {
	close(m.stop)
	m.wg.Wait()
}

// Options configures one SubscribeOnce call.
type Options struct {
	Timeout   time.Duration
	Decode    Decode
	OnSuccess func(any)
	OnError   func(timedOut bool, err error)
}

// SubscribeOnce registers one waiter on channel. If channel already has waiters,
// this joins the existing epoch without re-subscribing upstream. Otherwise it
// subscribes upstream first; on upstream failure OnError(false, err) fires once,
// this waiter is removed, and the entry is dropped unless another waiter joined
// it in the meantime.
func (m *Multiplexer) SubscribeOnce(ctx context.Context, channel string, opts Options) {
	var fired sync.Once
	safeOnError := func(timedOut bool, err error) {
		fired.Do(func() {
			m.safeCall(func() { opts.OnError(timedOut, err) })
		})
	}
	safeOnSuccess := func(v any) {
		m.safeCall(func() { opts.OnSuccess(v) })
	}

	m.mu.Lock()
	info, exists := m.subs[channel]
	if !exists {
		info = &subInfo{
			decode:  opts.Decode,
			waiters: make(map[*waiter]struct{}),
			timers:  make(map[*waiter]*time.Timer),
		}
		m.subs[channel] = info
	}
	w := &waiter{onSuccess: safeOnSuccess, onError: safeOnError}
	info.waiters[w] = struct{}{}
	m.mu.Unlock()

	if !exists {
		if err := m.store.Subscribe(ctx, channel); err != nil {
			m.mu.Lock()
			delete(info.waiters, w)
			if len(info.waiters) == 0 {
				delete(m.subs, channel)
			}
			m.mu.Unlock()
			safeOnError(false, err)
			return
		}
	}

	timer := time.AfterFunc(opts.Timeout, func() {
		m.onTimeout(channel, w)
	})
	m.mu.Lock()
	// The entry may already have been dispatched/removed between unlock above and
	// here; only arm bookkeeping if it's still the current epoch for this waiter.
	if cur, ok := m.subs[channel]; ok && cur == info {
		if _, stillWaiting := info.waiters[w]; stillWaiting {
			info.timers[w] = timer
		} else {
			timer.Stop()
		}
	} else {
		timer.Stop()
	}
	m.mu.Unlock()
}

// onTimeout fires when a single waiter's timer expires without a message having
// resolved its channel.
func (m *Multiplexer) onTimeout(channel string, w *waiter) {
	m.mu.Lock()
	info, ok := m.subs[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, stillWaiting := info.waiters[w]; !stillWaiting {
		m.mu.Unlock()
		return
	}
	delete(info.waiters, w)
	delete(info.timers, w)
	empty := len(info.waiters) == 0
	if empty {
		delete(m.subs, channel)
	}
	m.mu.Unlock()

	if empty {
		if err := m.store.Unsubscribe(context.Background(), channel); err != nil {
			m.errorHandler(err)
		}
	}
	w.onError(true, ErrTimeout)
}

// dispatch delivers a single inbound message to every waiter currently registered
// on channel, then tears the entry down. The entry is snapshotted and removed
// from subs before any callback runs, so a reentrant SubscribeOnce from inside a
// callback starts a fresh epoch rather than joining this one.
func (m *Multiplexer) dispatch(channel, payload string) {
	m.mu.Lock()
	info, ok := m.subs[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, channel)
	waiters := info.waiters
	timers := info.timers
	decode := info.decode
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	if err := m.store.Unsubscribe(context.Background(), channel); err != nil {
		m.errorHandler(err)
	}

	value, decodeErr := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicToErr(r)
			}
		}()
		return decode(payload)
	}()

	if decodeErr != nil {
		for w := range waiters {
			w.onError(false, decodeErr)
		}
		return
	}
	for w := range waiters {
		w.onSuccess(value)
	}
}

// safeCall invokes f, recovering a panic and routing it (like any other internally
// observed failure) to errorHandler instead of letting it escape to the dispatch
// loop or to sibling waiters.
func (m *Multiplexer) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.errorHandler(panicToErr(r))
		}
	}()
	f()
}

func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (p *panicError) Error() string {
	return fmt.Sprintf("multiplexer: recovered panic in callback: %v", p.value)
}

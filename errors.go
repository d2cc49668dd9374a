package memolock

import (
	"github.com/stumble/memolock/internal/coordinator"
	"github.com/stumble/memolock/internal/multiplexer"
)

var (
	// ErrSubscribeTimeout is the per-waiter timeout error a waiter observes
	// internally before the coordinator either retries or gives up; exposed so
	// callers composing their own coordination on top of the lower-level packages
	// can errors.Is against it.
	ErrSubscribeTimeout = multiplexer.ErrTimeout

	// ErrMaxAttemptsExhausted is returned by Get once a waiter has used
	// MaxAttempts attempts in total without ever observing either a cached value
	// or a done-channel message.
	ErrMaxAttemptsExhausted = coordinator.ErrMaxAttemptsExhausted
)

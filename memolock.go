// Package memolock implements a distributed memoization lock on top of Redis: for
// any given cache key, at most one fetch of the underlying expensive resource is in
// progress at a time across every process sharing the backing Redis deployment; all
// other concurrent callers block on a pub/sub notification and receive the computed
// value as soon as it is published, without invoking the fetch themselves.
//
// It is not a replacement for a strongly consistent distributed lock: the goal is to
// avoid duplicate work under normal operation and make progress under failure, not
// mutual exclusion under arbitrary network partitions.
package memolock

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// defaultErrorHandler logs via zerolog, the module's structured-logging
// idiom rather than falling back to the standard library's log package.
func defaultErrorHandler(err error) {
	log.Err(err).Msg("memolock: background error")
}

// Codec encodes/decodes values exchanged through the cache value slot and the
// done-channel payload. The zero value of GetOptions uses JSONCodec.
type Codec interface {
	Encode(v any) (string, error)
	Decode(s string) (any, error)
}

// JSONCodec is the default codec: JSON.stringify/JSON.parse semantics, including
// the "null" sentinel for an empty encode result.
type JSONCodec struct{}

// Encode marshals v to JSON; an empty result is replaced with the literal "null" so
// that callers who truthy-check a non-empty stored string still see a cached value.
func (JSONCodec) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "null", nil
	}
	return string(b), nil
}

// Decode unmarshals s into an any via json.Unmarshal.
func (JSONCodec) Decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// MsgpackCodec is an optional binary codec for callers who want compact payloads
// over the done channel and cache value slot instead of JSON. Supplements the
// mandatory JSON default; does not replace it.
type MsgpackCodec struct{}

// Encode marshals v with msgpack and stores the result as a raw (non-UTF8-safe)
// string. An empty encode result is replaced with "null" for parity with JSONCodec.
func (MsgpackCodec) Encode(v any) (string, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "null", nil
	}
	return string(b), nil
}

// Decode unmarshals s with msgpack into an any.
func (MsgpackCodec) Decode(s string) (any, error) {
	var v any
	if err := msgpack.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

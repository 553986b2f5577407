// Package delivery sends formatted notifications to messaging channels with a
// bounded retry policy.
//
// Transient failures are retried with a fixed backoff, or with the delay the
// transport asks for when it reports a rate limit. A failure that marks the
// channel itself as invalid stops retrying at once and only affects that
// channel.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/linnemanlabs/spinwatch/internal/incident"
)

// ErrInvalidChannel classifies a send failure caused by the destination
// channel not existing. Senders wrap it; it is never retried.
var ErrInvalidChannel = errors.New("delivery: invalid channel")

// RetryAfterer is implemented by transient errors that carry the delay the
// transport asked for before the next attempt.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Sender is the messaging transport.
type Sender interface {
	SendMessage(ctx context.Context, ch incident.Channel, text string) error
	SendPhoto(ctx context.Context, ch incident.Channel, photo io.Reader, caption string) error
}

// Photo opens the image attached to a message. It is called once per send
// attempt and the returned reader is closed when the attempt ends.
type Photo func() (io.ReadCloser, error)

// PhotoBytes returns a Photo serving an in-memory image.
func PhotoBytes(b []byte) Photo {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

// Message is one notification. When Photo is set Text is sent as its caption.
type Message struct {
	Text  string
	Photo Photo
}

// Outcome is the final state of one delivery.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Report describes how a delivery to one channel ended.
type Report struct {
	Channel  incident.Channel
	Outcome  Outcome
	Attempts int
	Duration time.Duration
	Err      error
}

// Policy bounds retries of a single delivery.
type Policy struct {
	MaxAttempts uint
	Backoff     time.Duration
	// Retryable reports whether a failed attempt may be retried. Nil means
	// everything except ErrInvalidChannel is retryable.
	Retryable func(error) bool
}

// Default retry settings.
const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 5 * time.Second
)

// DefaultPolicy returns 5 attempts with a 5 second constant backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, ErrInvalidChannel) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Hooks observe the engine. Any field may be nil.
type Hooks struct {
	OnAttempt func(ch incident.Channel, err error)
	OnReport  func(r Report)
}

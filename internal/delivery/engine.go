package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/spinwatch/internal/delivery")

// Engine delivers messages through a Sender. It is safe for concurrent use.
type Engine struct {
	sender Sender
	policy Policy
	hooks  Hooks
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewEngine returns an Engine. Zero policy fields fall back to the defaults.
// Deliver logs through the logger carried by its context.
func NewEngine(sender Sender, policy Policy, hooks Hooks) *Engine {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultBackoff
	}
	return &Engine{
		sender: sender,
		policy: policy,
		hooks:  hooks,
		sleep:  sleepCtx,
	}
}

// Deliver sends msg to ch, retrying transient failures per the policy.
func (e *Engine) Deliver(ctx context.Context, ch incident.Channel, msg Message) Report {
	ctx, span := tracer.Start(ctx, "delivery.send", trace.WithAttributes(
		attribute.Int64("spinwatch.channel.thread_id", ch.ThreadID),
		attribute.Bool("spinwatch.message.photo", msg.Photo != nil),
	))
	defer span.End()

	L := log.FromContext(ctx).With("thread_id", ch.ThreadID)

	start := time.Now()
	attempts := 0
	var lastErr error

	op := func() (struct{}, error) {
		attempts++
		err := e.attempt(ctx, ch, msg)
		if e.hooks.OnAttempt != nil {
			e.hooks.OnAttempt(ch, err)
		}
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if !e.policy.retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		var ra RetryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			return struct{}{}, &backoff.RetryAfterError{Duration: ra.RetryAfter()}
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.policy.Backoff)),
		backoff.WithMaxTries(e.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			L.Warn(ctx, "send failed, retrying",
				"attempt", attempts,
				"retry_in", next.String(),
				"error_class", "transient",
				"err", lastErr,
			)
		}),
	)

	r := Report{Channel: ch, Attempts: attempts, Duration: time.Since(start)}
	switch {
	case err == nil:
		r.Outcome = OutcomeDelivered
	case errors.Is(lastErr, ErrInvalidChannel):
		r.Outcome = OutcomeSkipped
		r.Err = lastErr
		L.Warn(ctx, "channel is invalid, skipping", "error_class", "invalid_channel", "err", lastErr)
	default:
		if lastErr == nil {
			lastErr = err
		}
		r.Outcome = OutcomeFailed
		r.Err = lastErr
		L.Error(ctx, lastErr, "delivery failed", "attempts", attempts, "error_class", "transient")
	}

	span.SetAttributes(
		attribute.String("spinwatch.delivery.outcome", string(r.Outcome)),
		attribute.Int("spinwatch.delivery.attempts", attempts),
	)
	if r.Outcome == OutcomeFailed {
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, r.Err.Error())
	}
	if e.hooks.OnReport != nil {
		e.hooks.OnReport(r)
	}
	return r
}

// attempt performs one send. The photo is opened and closed inside it.
func (e *Engine) attempt(ctx context.Context, ch incident.Channel, msg Message) error {
	if msg.Photo == nil {
		return e.sender.SendMessage(ctx, ch, msg.Text)
	}
	rc, err := msg.Photo()
	if err != nil {
		return fmt.Errorf("delivery: open photo: %w", err)
	}
	defer func() { _ = rc.Close() }()
	return e.sender.SendPhoto(ctx, ch, rc, msg.Text)
}

// DeliverAll delivers msg to every channel in order, waiting pause between
// sends. A failure on one channel never prevents the others.
func (e *Engine) DeliverAll(ctx context.Context, chs []incident.Channel, msg Message, pause time.Duration) []Report {
	out := make([]Report, 0, len(chs))
	for i, ch := range chs {
		if i > 0 {
			if err := e.Pause(ctx, pause); err != nil {
				break
			}
		}
		out = append(out, e.Deliver(ctx, ch, msg))
	}
	return out
}

// Pause waits d or until ctx is done.
func (e *Engine) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return e.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

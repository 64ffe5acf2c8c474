// Package dispatch defines the message-send boundary of the campaign engine.
//
// The engine calls a Gateway with already-rendered content and records the
// provider message id or the failure. Gateways never retry: a failed or
// timed-out call is reported once and the step is logged as FAILED.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrChannelNotConfigured is returned for a channel with no sender wired.
var ErrChannelNotConfigured = errors.New("channel not configured")

// Gateway sends email and SMS. Implementations must be safe for concurrent use.
type Gateway interface {
	SendEmail(ctx context.Context, memberID, address, subject, body string) (string, error)
	SendSMS(ctx context.Context, memberID, phone, body string) (string, error)
}

// WhatsAppSender is implemented by gateways that can deliver WhatsApp messages.
type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, memberID, phone, body string) (string, error)
}

// PushSender is implemented by gateways that can deliver push notifications.
type PushSender interface {
	SendPush(ctx context.Context, memberID, title, body string) (string, error)
}

// EmailSender delivers one email.
type EmailSender interface {
	SendEmail(ctx context.Context, memberID, address, subject, body string) (string, error)
}

// SMSSender delivers one SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, memberID, phone, body string) (string, error)
}

// Router composes per-channel senders into a Gateway. A nil sender yields
// ErrChannelNotConfigured for that channel.
type Router struct {
	Email EmailSender
	SMS   SMSSender
}

func (r *Router) SendEmail(ctx context.Context, memberID, address, subject, body string) (string, error) {
	if r.Email == nil {
		return "", fmt.Errorf("email: %w", ErrChannelNotConfigured)
	}
	return r.Email.SendEmail(ctx, memberID, address, subject, body)
}

func (r *Router) SendSMS(ctx context.Context, memberID, phone, body string) (string, error) {
	if r.SMS == nil {
		return "", fmt.Errorf("sms: %w", ErrChannelNotConfigured)
	}
	return r.SMS.SendSMS(ctx, memberID, phone, body)
}

// TimeoutGateway bounds every call to the wrapped gateway. A call that
// overruns returns an error wrapping context.DeadlineExceeded.
type TimeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout wraps g. A non-positive timeout returns g unchanged.
func WithTimeout(g Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return g
	}
	return &TimeoutGateway{next: g, timeout: timeout}
}

func (t *TimeoutGateway) SendEmail(ctx context.Context, memberID, address, subject, body string) (string, error) {
	return t.call(ctx, func(ctx context.Context) (string, error) {
		return t.next.SendEmail(ctx, memberID, address, subject, body)
	})
}

func (t *TimeoutGateway) SendSMS(ctx context.Context, memberID, phone, body string) (string, error) {
	return t.call(ctx, func(ctx context.Context) (string, error) {
		return t.next.SendSMS(ctx, memberID, phone, body)
	})
}

// SendWhatsApp forwards to the wrapped gateway when it supports WhatsApp.
func (t *TimeoutGateway) SendWhatsApp(ctx context.Context, memberID, phone, body string) (string, error) {
	ws, ok := t.next.(WhatsAppSender)
	if !ok {
		return "", fmt.Errorf("whatsapp: %w", ErrChannelNotConfigured)
	}
	return t.call(ctx, func(ctx context.Context) (string, error) {
		return ws.SendWhatsApp(ctx, memberID, phone, body)
	})
}

// SendPush forwards to the wrapped gateway when it supports push.
func (t *TimeoutGateway) SendPush(ctx context.Context, memberID, title, body string) (string, error) {
	ps, ok := t.next.(PushSender)
	if !ok {
		return "", fmt.Errorf("push: %w", ErrChannelNotConfigured)
	}
	return t.call(ctx, func(ctx context.Context) (string, error) {
		return ps.SendPush(ctx, memberID, title, body)
	})
}

type result struct {
	id  string
	err error
}

// call runs fn under a deadline. fn may ignore ctx, so it runs in its own
// goroutine and its late result is dropped.
func (t *TimeoutGateway) call(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		id, err := fn(ctx)
		done <- result{id: id, err: err}
	}()

	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("dispatch timed out after %s: %w", t.timeout, ctx.Err())
	}
}

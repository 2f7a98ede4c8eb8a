// Package outbound wraps the chat transport port with the global rate
// limit and retry policy every user-visible delivery goes through.
package outbound

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/time/rate"

	"github.com/notemill/notemill/internal/fault"
)

// Handle identifies a delivered message for later edit/delete.
type Handle struct {
	ChatID    string
	MessageID string
}

// Options are transport hints honoured by adapters that support them.
type Options struct {
	ParseMode string // e.g. "Markdown"
	Silent    bool
}

// Port is the abstract chat transport. Implementations must classify
// failures with fault kinds: Transient for retryable transport errors,
// Permanent/NotFound for ones that must short-circuit.
type Port interface {
	SendMessage(ctx context.Context, chatID, text string, opts Options) (Handle, error)
	EditMessage(ctx context.Context, h Handle, text string, opts Options) error
	DeleteMessage(ctx context.Context, h Handle) error
}

// Config tunes the wrapper. Zero values take the defaults below.
type Config struct {
	// Rate is tokens per second; the transport-wide limit. Default 30.
	Rate float64
	// Burst is the bucket size. Default: Rate rounded up.
	Burst int
	// MaxAttempts caps tries per logical call. Default 3.
	MaxAttempts int
	// BackoffBase is the first retry delay; attempt k waits base·2^k. Default 200ms.
	BackoffBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 30
	}
	if c.Burst <= 0 {
		c.Burst = int(c.Rate)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	return c
}

// Adapter is the rate-limited, retrying Port wrapper. The token bucket is
// global across users; token waits and backoff sleeps honour ctx.
type Adapter struct {
	port        Port
	limiter     *rate.Limiter
	maxAttempts int
	backoffBase time.Duration
}

// NewAdapter wraps port with cfg's throttle and retry policy.
func NewAdapter(port Port, cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		port:        port,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
	}
}

// SendMessage delivers text to chatID under the throttle and retry policy.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, opts Options) (Handle, error) {
	var h Handle
	err := a.do(ctx, "send_message", text, func(ctx context.Context) error {
		var err error
		h, err = a.port.SendMessage(ctx, chatID, text, opts)
		return err
	})
	return h, err
}

// EditMessage replaces the text of a previously sent message.
func (a *Adapter) EditMessage(ctx context.Context, h Handle, text string, opts Options) error {
	return a.do(ctx, "edit_message", text, func(ctx context.Context) error {
		return a.port.EditMessage(ctx, h, text, opts)
	})
}

// DeleteMessage removes a previously sent message.
func (a *Adapter) DeleteMessage(ctx context.Context, h Handle) error {
	return a.do(ctx, "delete_message", "", func(ctx context.Context) error {
		return a.port.DeleteMessage(ctx, h)
	})
}

func (a *Adapter) do(ctx context.Context, op, text string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return fault.Wrap(fault.Cancelled, "outbound."+op, ctx.Err())
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("outbound.recovered", "op", op, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !fault.IsRetryable(err) {
			slog.Warn("outbound.failed", "op", op, "attempt", attempt, "error", err, "text", preview(text))
			return err
		}
		if attempt == a.maxAttempts {
			break
		}

		backoff := a.backoffBase * time.Duration(1<<(attempt-1))
		slog.Warn("outbound.retry", "op", op, "attempt", attempt, "backoff", backoff, "error", err, "text", preview(text))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fault.Wrap(fault.Cancelled, "outbound."+op, ctx.Err())
		}
	}
	slog.Error("outbound.exhausted", "op", op, "attempts", a.maxAttempts, "error", lastErr)
	return fault.Wrap(fault.Transient, "outbound."+op+": retries exhausted", lastErr)
}

// preview shortens text for log lines, width-aware so CJK content does
// not blow up log alignment.
func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, 48, "...")
}

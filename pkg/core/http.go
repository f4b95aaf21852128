package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/poiloader/pkg/tracing"
)

// RetryPolicy configures bounded retries with linear backoff: after the n-th
// failed attempt the policy waits n*Delay before trying again.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy makes three attempts, waiting 1s then 2s between them
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Delay:       time.Second,
}

// DefaultClient is the HTTP client used for Overpass downloads. It has no overall
// timeout because bulk responses can take minutes; callers bound requests with a context.
var DefaultClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Minute,
	},
}

// Backoff returns the wait after the given 1-based failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return time.Duration(attempt) * p.Delay
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// AttemptFunc performs one try of a retried operation. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds or the attempts are exhausted. It returns the
// number of attempts made and the last error. A cancelled context stops the loop
// at once, including during a backoff wait, and is reported as a CancellationError.
func (p RetryPolicy) Do(ctx context.Context, name string, fn AttemptFunc) (int, error) {
	maxAttempts := p.attempts()
	ctx, span := tracing.StartSpan(ctx, "retry."+name,
		trace.WithAttributes(
			attribute.Int("retry.max_attempts", maxAttempts),
			attribute.Int64("retry.delay_ms", p.Delay.Milliseconds()),
		),
	)
	defer span.End()

	logger := slog.Default().With("operation", name)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.Backoff(attempt - 1)
			tracing.AddEvent(ctx, "retry_attempt",
				trace.WithAttributes(
					attribute.Int("attempt", attempt),
					attribute.Int64("delay_ms", delay.Milliseconds()),
					attribute.String("error", fmt.Sprintf("%v", lastErr)),
				),
			)
			logger.Info("retrying",
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"delay", delay,
				"last_error", lastErr,
			)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				span.SetStatus(codes.Error, "cancelled")
				return attempt - 1, &CancellationError{Op: name, Cause: ctx.Err()}
			}
		}

		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return attempt - 1, &CancellationError{Op: name, Cause: err}
		}

		err := fn(ctx, attempt)
		if err == nil {
			span.SetAttributes(attribute.Int("retry.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			return attempt, nil
		}

		// An attempt that failed because the caller gave up is not retried.
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			return attempt, &CancellationError{Op: name, Cause: ctx.Err()}
		}

		lastErr = err
		logger.Warn("attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "max retries exceeded")
	span.SetAttributes(attribute.Int("retry.attempts", maxAttempts))
	return maxAttempts, lastErr
}

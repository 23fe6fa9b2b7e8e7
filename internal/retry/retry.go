// Package retry holds the retry policies of the module: gRPC-native
// retries for cloud API calls and backoff retries for local steps such as
// inventory writes.
package retry

import (
	"context"
	"slices"
	"time"

	"ycmodules/internal/logging"

	"github.com/cenkalti/backoff/v4"
	ycretry "github.com/yandex-cloud/go-sdk/pkg/retry/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy describes which failures are retried and how long to wait
// between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// RetryableCodes lists the gRPC codes worth another attempt.
	// Everything else fails immediately.
	RetryableCodes []codes.Code
	// RetryIf, when set, replaces the status code check in Do.
	RetryIf      func(error) bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Option is a functional option for Policy.
type Option func(*Policy)

// DefaultPolicy returns the policy used for every call to the cloud API:
// five attempts, retrying only UNAVAILABLE.
func DefaultPolicy(opts ...Option) Policy {
	p := Policy{
		MaxAttempts:    5,
		RetryableCodes: []codes.Code{codes.Unavailable},
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithMaxAttempts sets the total number of attempts.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		p.MaxAttempts = n
	}
}

// WithInitialDelay sets the delay before the second attempt.
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.InitialDelay = d
	}
}

// WithMaxDelay caps the delay between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.MaxDelay = d
	}
}

// WithRetryableCodes replaces the set of retried codes.
func WithRetryableCodes(c ...codes.Code) Option {
	return func(p *Policy) {
		p.RetryableCodes = c
	}
}

// WithRetryIf retries every error for which fn returns true.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) {
		p.RetryIf = fn
	}
}

// DialOption installs the policy as the gRPC retry policy of a connection.
// Only MaxAttempts and RetryableCodes apply; gRPC schedules the backoff.
// A policy with a single attempt or no retryable codes disables retries.
func (p Policy) DialOption() (grpc.DialOption, error) {
	if p.MaxAttempts <= 1 || len(p.RetryableCodes) == 0 {
		return grpc.WithDisableRetry(), nil
	}
	return ycretry.RetryDialOption(
		ycretry.WithRetries(ycretry.DefaultNameConfig(), p.MaxAttempts),
		ycretry.WithRetryableStatusCodes(ycretry.DefaultNameConfig(), p.RetryableCodes...),
	)
}

// Retryable reports whether Do would try again after err.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return slices.Contains(p.RetryableCodes, status.Code(err))
}

// Do runs operation until it succeeds, fails with a non-retryable error,
// or MaxAttempts is reached. The last operation error is returned
// unchanged; a cancelled ctx returns the context error.
func (p Policy) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := operation(ctx)
		if err != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx, attempts), func(err error, wait time.Duration) {
		logging.Logger().Debug("retrying after failure",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
}

func (p Policy) backOff(ctx context.Context, attempts int) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

package clients

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edfi-tools/publisher/pkg/errors"
)

// Result is the outcome of one transport attempt.
type Result struct {
	StatusCode int
	Body       []byte
}

// Operation is one attempt against the source or target system.
type Operation func(ctx context.Context) (*Result, error)

// Classifier decides whether a result is transient and worth retrying.
// A nil *Result with a non-nil error indicates a transport failure.
type Classifier func(result *Result, err error) bool

// DefaultClassifier treats transport errors, HTTP 429 and 5xx as
// transient; every other status is terminal.
func DefaultClassifier(result *Result, err error) bool {
	if err != nil {
		return true
	}
	if result == nil {
		return false
	}
	return result.StatusCode == http.StatusTooManyRequests || result.StatusCode >= 500
}

// Policy wraps an operation with exponential backoff retry and optional
// rate-limited admission. The limiter is the outer layer: a rejection is
// terminal for the call and never retried.
type Policy struct {
	limiter       RateLimiter
	limiterWait   time.Duration
	startingDelay time.Duration
	maxAttempts   int
	classify      Classifier
	logger        *zap.Logger
}

// PolicyConfig configures a Policy.
type PolicyConfig struct {
	// StartingDelay is the delay before the first retry; retry k waits
	// StartingDelay * 2^(k-1)
	StartingDelay time.Duration
	// MaxAttempts is the number of additional attempts after the first
	MaxAttempts int
	// Limiter gates admission when non-nil
	Limiter RateLimiter
	// LimiterMaxWait bounds how long admission may block before the
	// call is rejected (0 = reject immediately when no token)
	LimiterMaxWait time.Duration
	// Classify overrides the transient classifier
	Classify Classifier
}

// NewPolicy creates a new retry/rate-limit policy.
func NewPolicy(cfg PolicyConfig, logger *zap.Logger) *Policy {
	classify := cfg.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Policy{
		limiter:       cfg.Limiter,
		limiterWait:   cfg.LimiterMaxWait,
		startingDelay: cfg.StartingDelay,
		maxAttempts:   cfg.MaxAttempts,
		classify:      classify,
		logger:        logger.With(zap.String("component", "policy")),
	}
}

// Execute runs the operation under the composed policy. On exhausted
// retries it returns the last result; a rate limiter rejection returns
// an ErrorTypeRateLimit error, distinct from a normal failed result.
func (p *Policy) Execute(ctx context.Context, op Operation) (*Result, error) {
	if p.limiter != nil {
		if err := p.admit(ctx); err != nil {
			return nil, err
		}
	}

	var result *Result
	var err error

	for attempt := 0; ; attempt++ {
		result, err = op(ctx)

		// An operation aborted by cancellation is not a transport
		// failure; it must never count against the retry budget or be
		// surfaced as one.
		if err != nil && ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "cancelled during operation")
		}

		if !p.classify(result, err) {
			break
		}
		if attempt >= p.maxAttempts {
			p.logger.Debug("retries exhausted",
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			break
		}

		delay := p.startingDelay << uint(attempt)
		p.logger.Debug("transient result, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "cancelled during backoff")
		}
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "operation failed after retries")
	}
	return result, nil
}

// admit passes the call through the rate limiter. A rejection is not
// retried.
func (p *Policy) admit(ctx context.Context) error {
	if p.limiterWait <= 0 {
		if !p.limiter.Allow() {
			return errors.New(errors.ErrorTypeRateLimit, "rate limit exceeded")
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.limiterWait)
	defer cancel()

	if err := p.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "cancelled awaiting rate limiter")
		}
		return errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limit exceeded")
	}
	return nil
}

// IsRateLimited reports whether err is a rate limiter rejection.
func IsRateLimited(err error) bool {
	return errors.IsType(err, errors.ErrorTypeRateLimit)
}

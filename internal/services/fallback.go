package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsRateLimitError reports whether err looks like a quota or rate-limit
// rejection from an upstream API. Only these errors are worth retrying on the
// same credential set; anything else means the set is misconfigured or the
// request itself is bad, and the rotation should advance.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"429", "rate limit", "quota", "resource_exhausted", "resource exhausted"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// FallbackPolicy bounds the retry behavior of ExecuteWithFallback.
type FallbackPolicy struct {
	AttemptsPerSet uint
	CallTimeout    time.Duration
	MinBackoff     time.Duration
	MaxJitter      time.Duration
}

// DefaultFallbackPolicy matches the limits of the quota-bound APIs this
// pipeline calls: 60s per attempt, 3 attempts per credential set, backoff
// doubling from 2s with up to 1s of jitter.
func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{
		AttemptsPerSet: 3,
		CallTimeout:    60 * time.Second,
		MinBackoff:     2 * time.Second,
		MaxJitter:      time.Second,
	}
}

// ExecuteWithFallback runs call against an ordered rotation of credential
// sets. Each set gets up to AttemptsPerSet tries with exponential backoff and
// jitter between them; every attempt is bounded by CallTimeout. A
// non-rate-limit error abandons the current set's remaining budget and
// advances to the next set immediately, so total attempts are bounded by
// sets * AttemptsPerSet. If every set fails, the last observed error is
// returned.
func ExecuteWithFallback[T any](
	ctx context.Context,
	label string,
	sets int,
	policy FallbackPolicy,
	call func(ctx context.Context, set int) (T, error),
) (T, error) {
	var zero T
	if sets <= 0 {
		return zero, fmt.Errorf("%s: no credential sets configured", label)
	}

	var lastErr error
	for set := 0; set < sets; set++ {
		result, err := retry.DoWithData(
			func() (T, error) {
				attemptCtx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
				defer cancel()
				return call(attemptCtx, set)
			},
			retry.Context(ctx),
			retry.Attempts(policy.AttemptsPerSet),
			retry.Delay(policy.MinBackoff),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.MaxJitter(policy.MaxJitter),
			retry.RetryIf(IsRateLimitError),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(attempt uint, err error) {
				slog.Warn("Attempt failed, backing off.",
					"call", label,
					"credentialSet", set,
					"attempt", attempt+1,
					"error", err,
				)
			}),
		)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		slog.Warn("Credential set exhausted, advancing.",
			"call", label,
			"credentialSet", set,
			"remainingSets", sets-set-1,
			"error", err,
		)
	}
	return zero, fmt.Errorf("%s failed across all %d credential sets: %w", label, sets, lastErr)
}

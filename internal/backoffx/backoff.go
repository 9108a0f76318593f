// Package backoffx implements the bounded exponential backoff with jitter
// described in spec.md §4.2, backed by github.com/cenkalti/backoff/v4.
package backoffx

import (
	"net"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v4"
)

// Policy configures backoff. The zero value is invalid; use New.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

// ErrInvalidPolicy is returned by New when the policy fails validation.
var ErrInvalidPolicy = errors.New("backoffx: invalid policy")

// New validates the policy and returns it unchanged, ready for use with
// NewBackOff. Validation rules come from spec.md §4.2: MaxRetries < 0,
// Initial <= 0, Max < Initial, or Multiplier < 1 are rejected.
func New(p Policy) (Policy, error) {
	switch {
	case p.MaxRetries < 0:
		return Policy{}, errors.Wrap(ErrInvalidPolicy, "max_retries < 0")
	case p.Initial <= 0:
		return Policy{}, errors.Wrap(ErrInvalidPolicy, "initial <= 0")
	case p.Max < p.Initial:
		return Policy{}, errors.Wrap(ErrInvalidPolicy, "max < initial")
	case p.Multiplier < 1:
		return Policy{}, errors.Wrap(ErrInvalidPolicy, "multiplier < 1")
	}
	return p, nil
}

// Default returns the package's default policy: 100ms initial, 30s max, 2x
// multiplier, 3 retries.
func Default() Policy {
	return Policy{
		Initial:    100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		MaxRetries: 3,
	}
}

// NewBackOff builds a cenkalti/backoff/v4 BackOff implementing this policy.
// MaxRetries is enforced separately by the caller (via attempt counting) since
// backoff.ExponentialBackOff itself has no retry ceiling.
func (p Policy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.Multiplier = p.Multiplier
	eb.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time
	eb.Reset()
	return eb
}

// DelayFor returns the delay before the given attempt (1-indexed), matching
// spec.md §4.2: delay_for(0) = 0; delay_for(n) = min(initial*multiplier^(n-1), max).
// It does not include jitter, and its callers (the session's first-request
// and continuation retries) wait exactly the returned delay.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a response with the given status should be
// retried, per spec.md §4.2: {429, 500, 502, 503, 504} are retryable (plus
// any status not explicitly in the non-retryable set, matched by class);
// {400, 401, 403, 404, 409, 410} never are.
func ShouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusGone:
		return false
	}
	return statusCode >= 500
}

// IsTransportError reports whether err looks like a retryable transport
// failure (DNS, connect, reset) rather than a permanent client bug.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

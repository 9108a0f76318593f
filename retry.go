package durablestreams

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dstreams/client-go/internal/backoffx"
)

// parseRetryAfter parses the Retry-After header and returns the delay as a time.Duration.
// Returns 0 if the header is not present or invalid.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	// Try parsing as seconds
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta > 0 {
			// Cap at 1 hour
			if delta > time.Hour {
				delta = time.Hour
			}
			return delta
		}
	}

	return 0
}

// toBackoffPolicy adapts the handle-level RetryPolicy knobs onto the
// shared backoffx.Policy shape.
func toBackoffPolicy(p RetryPolicy) backoffx.Policy {
	return backoffx.Policy{
		Initial:    p.InitialDelay,
		Max:        p.MaxDelay,
		Multiplier: p.Multiplier,
		MaxRetries: p.MaxRetries,
	}
}

// doWithRetry executes a request with retry logic, sourcing delays from
// a cenkalti/backoff/v4 ExponentialBackOff (which supplies its own
// jitter) instead of a hand-rolled multiply-and-clamp loop. The
// makeRequest function creates a fresh request on each attempt (for
// body re-reading); a server's Retry-After header, when longer than the
// computed backoff delay, takes precedence.
func (s *Stream) doWithRetry(
	ctx context.Context,
	makeRequest func() (*http.Request, error),
) (*http.Response, error) {
	policy, err := backoffx.New(toBackoffPolicy(s.client.retryPolicy))
	if err != nil {
		policy = backoffx.Default()
	}
	bo := policy.NewBackOff()

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		req, err := makeRequest()
		if err != nil {
			return nil, err
		}

		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < policy.MaxRetries {
				if werr := sleepBackoff(ctx, bo.NextBackOff()); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		}

		if backoffx.ShouldRetry(resp.StatusCode) && attempt < policy.MaxRetries {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()

			delay := bo.NextBackOff()
			if retryAfter > delay {
				delay = retryAfter
			}
			if werr := sleepBackoff(ctx, delay); werr != nil {
				return nil, werr
			}
			continue
		}

		return resp, nil
	}

	// This shouldn't be reached, but return an error just in case
	return nil, newStreamError("request", s.url, 0, ErrRateLimited)
}

// sleepBackoff waits for d, or returns ctx.Err() if ctx is done first.
// backoff.Stop (a negative sentinel) is treated as no wait.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d == backoff.Stop || d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

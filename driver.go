package durablestreams

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apex/log"

	"github.com/dstreams/client-go/internal/fanout"
	"github.com/dstreams/client-go/internal/sse"
	"github.com/dstreams/client-go/internal/wire"
)

// runDriver is the session's single network driver goroutine. It
// consumes the parked first response, then loops issuing continuation
// requests (catch-up/long-poll share a shape; SSE is a separate framing)
// until the session reaches a terminal state (spec.md §4.4).
func (s *Session) runDriver(ctx context.Context) {
	defer log.Debug("durablestreams: driver exiting")

	resp := s.parked
	s.parked = nil

	if s.live == LiveModeSSE {
		s.runSSE(ctx, resp)
		return
	}
	s.runPoll(ctx, resp)
}

// runPoll drives the catch-up/long-poll transport: read the body fully,
// publish one Dispatch, advance state, and — unless the session is
// already done (live=off and upToDate) — issue the next GET.
func (s *Session) runPoll(ctx context.Context, first *wire.Response) {
	resp := first
	for {
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			s.closeWith(fmt.Errorf("durablestreams: read body: %w", err))
			return
		}

		nextOffset := resp.Header.Get(headerStreamOffset)
		cursor := resp.Header.Get(headerStreamCursor)
		upToDate := resp.Header.Get(headerStreamUpToDate) == "true"
		streamClosed := resp.Header.Get(headerStreamClosed) == "true"

		d, perr := s.buildDispatch(nextOffset, cursor, upToDate, body)
		if perr != nil {
			s.closeWith(perr)
			return
		}

		s.mu.Lock()
		s.offset = Offset(nextOffset)
		s.cursor = cursor
		s.upToDate = upToDate
		s.mu.Unlock()

		if pubErr := s.bus.Publish(ctx, d); pubErr != nil {
			if ctx.Err() != nil {
				return // cancelled, handled by closeWith elsewhere
			}
		}

		if streamClosed {
			s.closeWith(nil)
			return
		}
		if s.live == LiveModeNone && upToDate {
			s.closeWith(nil)
			return
		}

		if err := s.waitForVisible(ctx); err != nil {
			return
		}

		next, err := s.issueContinuation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.closeWith(err)
			return
		}
		resp = next
	}
}

// waitForVisible blocks while the host-reported visibility is hidden
// (spec.md §4.6: "the driver MUST NOT issue the continuation request
// ... until visibility returns"). Returns a non-nil error only if ctx
// was cancelled while waiting.
func (s *Session) waitForVisible(ctx context.Context) error {
	for {
		if s.vis == nil || !s.vis.isHidden() {
			return nil
		}
		s.mu.Lock()
		wake := s.pauseCh
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// issueContinuation builds and sends the next GET for the catch-up/
// long-poll driver, retrying per the session's backoff policy and
// invoking OnError before each retry. Each GET runs under the driver's
// context with no per-request deadline; a hidden signal does not cancel
// a request already in flight. A transport error that arrives while the
// host reports hidden is treated as a pause: the driver waits for visible
// and repeats the request without using up a retry attempt.
func (s *Session) issueContinuation(ctx context.Context) (*wire.Response, error) {
	headers, params, err := s.resolveDynamic(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	offset := s.offset
	cursor := s.cursor
	live := s.live
	s.mu.Unlock()

	params["offset"] = string(offset)
	if cursor != "" {
		params["cursor"] = cursor
	}
	if live == LiveModeLongPoll {
		params["live"] = "long-poll"
	}

	var lastErr error
	for attempt := 0; attempt <= s.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			if s.onError != nil {
				override, cbErr := s.onError(lastErr)
				if cbErr != nil {
					return nil, cbErr
				}
				if override != nil {
					for k, v := range override.Headers {
						headers[k] = v
					}
					for k, v := range override.Params {
						params[k] = v
					}
				}
			}
			d := s.backoff.DelayFor(attempt)
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		reqCtx := ctx
		resp, err := s.codec.Do(reqCtx, http.MethodGet, s.url, headers, params, nil)
		if err != nil {
			lastErr = err
			if s.vis != nil && s.vis.isHidden() {
				// Pause-induced abort: wait for visible and retry this
				// same request without counting it as an error.
				if werr := s.waitForVisible(ctx); werr != nil {
					return nil, werr
				}
				attempt--
				continue
			}
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			lastErr = newStreamError("read", s.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
			if !shouldRetryStatus(resp.StatusCode) || attempt == s.backoff.MaxRetries {
				return nil, lastErr
			}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// runSSE drives the Server-Sent Events transport: frame the parked body
// through the SSE parser, emitting a Dispatch per event:data and
// updating offset/cursor/upToDate on event:control (spec.md §4.4 SSE).
func (s *Session) runSSE(ctx context.Context, resp *wire.Response) {
	defer resp.Body.Close()
	parser := sse.NewParser(resp.Body)

	var pendingOffset, pendingCursor string
	var pendingUpToDate bool
	haveUnflushed := false

	for {
		if ctx.Err() != nil {
			return
		}
		event, err := parser.Next()
		if err != nil {
			if err == io.EOF {
				s.closeWith(nil)
				return
			}
			s.closeWith(newStreamError("read", s.url, 0, fmt.Errorf("%w: %v", ErrParse, err)))
			return
		}

		switch ev := event.(type) {
		case sse.DataEvent:
			d, perr := s.buildDispatch(pendingOffset, pendingCursor, pendingUpToDate, []byte(ev.Data))
			if perr != nil {
				s.closeWith(perr)
				return
			}
			haveUnflushed = false
			if pubErr := s.bus.Publish(ctx, d); pubErr != nil && ctx.Err() != nil {
				return
			}
		case sse.ControlEvent:
			pendingOffset = ev.StreamNextOffset
			if ev.StreamCursor != "" {
				pendingCursor = ev.StreamCursor
			}
			pendingUpToDate = ev.UpToDate
			haveUnflushed = true

			s.mu.Lock()
			s.offset = Offset(pendingOffset)
			s.cursor = pendingCursor
			s.upToDate = pendingUpToDate
			s.mu.Unlock()

			if ev.StreamClosed {
				if haveUnflushed {
					d, _ := s.buildDispatch(pendingOffset, pendingCursor, pendingUpToDate, nil)
					s.bus.Publish(ctx, d)
				}
				s.closeWith(nil)
				return
			}
		}
	}
}

// buildDispatch assembles a fanout.Dispatch from one response/event
// body, validating JSON framing for json-mode sessions (spec.md §4.4
// "JSON framing": a non-array body is a fatal Parse error).
func (s *Session) buildDispatch(offset, cursor string, upToDate bool, body []byte) (*fanout.Dispatch, error) {
	d := &fanout.Dispatch{
		Offset:   offset,
		Cursor:   cursor,
		UpToDate: upToDate,
		Data:     body,
	}
	if s.ContentMode() == ContentModeJSON && len(body) > 0 {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, newStreamError("read", s.url, 0, fmt.Errorf("%w: %v", ErrParse, err))
		}
		d.Items = items
	}
	return d, nil
}

func shouldRetryStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

package durablestreams

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/dstreams/client-go/internal/backoffx"
	"github.com/dstreams/client-go/internal/fanout"
	"github.com/dstreams/client-go/internal/wire"
)

// ContentMode is derived once per session at headers-resolved time
// (spec.md §3): json if Content-Type begins with application/json or
// the caller asked for json, otherwise bytes.
type ContentMode int

const (
	ContentModeBytes ContentMode = iota
	ContentModeJSON
)

func (m ContentMode) String() string {
	if m == ContentModeJSON {
		return "json"
	}
	return "bytes"
}

// SessionState is the read session's lifecycle (spec.md §3). Initial
// Connecting; transitions are monotonic toward Closed. Paused is
// re-entrant from Consuming.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateReady
	StateConsuming
	StatePaused
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateConsuming:
		return "consuming"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RequestOverride is the partial merge an OnError callback may return to
// adjust the next retried request (spec.md §4.4 Retry / error policy).
type RequestOverride struct {
	Headers map[string]string
	Params  map[string]string
}

// OnErrorFunc is invoked before each retry of a read session's
// continuation request. Returning a non-nil error aborts the session
// with that error instead of retrying.
type OnErrorFunc func(err error) (*RequestOverride, error)

// SessionOptions configures OpenSession (spec.md §4.4).
type SessionOptions struct {
	// URL is the stream's URL (required).
	URL string

	// Headers and Params are static-or-dynamic value providers merged
	// into every request this session issues.
	Headers wire.ValueMap
	Params  wire.ValueMap

	// Offset is the starting read position. Defaults to StartOffset.
	Offset Offset

	// Live selects the tailing transport. Defaults to LiveModeNone.
	Live LiveMode

	// JSON forces json content mode even if Content-Type doesn't say so.
	JSON bool

	// CancelSignal, if non-nil, is equivalent to calling Session.Cancel
	// when it's closed.
	CancelSignal <-chan struct{}

	// Codec overrides the request/response transport. Defaults to a
	// wire.Codec around http.DefaultClient.
	Codec *wire.Codec

	// Backoff overrides the retry policy. Defaults to backoffx.Default().
	Backoff *backoffx.Policy

	// OnError is invoked before each retry of the continuation request.
	OnError OnErrorFunc

	// Visibility registers a host hidden/visible signal (C6). Defaults
	// to always-visible.
	Visibility VisibilityGate

	// InitiallyHidden seeds the visibility gate's starting value; the
	// driver must not issue the continuation request until the host
	// reports visible if this is true at open time (spec.md §4.6).
	InitiallyHidden bool

	// LongPollTimeout is recorded on the session; zero or negative means
	// 65s. The driver does not apply it to its requests: a long-poll GET
	// carries no deadline of its own and lasts as long as the server
	// holds it.
	LongPollTimeout time.Duration
}

// Session is a read session: the state machine, network driver, and
// per-dispatch fan-out described in spec.md §4.4-§4.6. Construct one
// with OpenSession or Stream.OpenSession.
type Session struct {
	mu          sync.Mutex
	state       SessionState
	offset      Offset
	startOffset Offset
	cursor      string
	upToDate    bool
	contentType string
	contentMode ContentMode
	live        LiveMode
	closeErr    error

	url     string
	headers wire.ValueMap
	params  wire.ValueMap
	codec   *wire.Codec
	backoff backoffx.Policy
	onError OnErrorFunc

	bus *fanout.Bus
	vis *visibilityState

	closeCh   chan struct{}
	closeOnce sync.Once

	driverOnce   sync.Once
	driverCancel context.CancelFunc

	pauseCh chan struct{} // closed and replaced on each hidden->visible edge

	longPollTimeout time.Duration

	parked *wire.Response // the unread first response body, until the driver consumes it
}

// OpenSession issues the first request and returns a Session parked in
// Ready: the body is held unread and no network driver is running until
// a consumer attaches (spec.md §4.4).
func OpenSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("durablestreams: OpenSession requires URL")
	}
	codec := opts.Codec
	if codec == nil {
		codec = wire.New(http.DefaultClient)
	}
	backoff := backoffx.Default()
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	offset := opts.Offset
	if offset == "" {
		offset = StartOffset
	}
	longPollTimeout := opts.LongPollTimeout
	if longPollTimeout <= 0 {
		longPollTimeout = 65 * time.Second
	}

	sess := &Session{
		state:           StateConnecting,
		startOffset:     offset,
		offset:          offset,
		live:            opts.Live,
		url:             opts.URL,
		headers:         opts.Headers,
		params:          opts.Params,
		codec:           codec,
		backoff:         backoff,
		onError:         opts.OnError,
		bus:             fanout.New(),
		closeCh:         make(chan struct{}),
		pauseCh:         make(chan struct{}),
		longPollTimeout: longPollTimeout,
	}
	if opts.JSON {
		sess.contentMode = ContentModeJSON
	}

	headers, params, err := sess.resolveDynamic(ctx)
	if err != nil {
		return nil, err
	}
	if !offset.IsStart() {
		params["offset"] = string(offset)
	}
	if opts.Live == LiveModeLongPoll {
		params["live"] = "long-poll"
	} else if opts.Live == LiveModeSSE {
		params["live"] = "sse"
		headers["Accept"] = "text/event-stream"
	}

	resp, err := requestWithRetry(ctx, codec, backoff, http.MethodGet, opts.URL, headers, params, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, newStreamError("open_session", opts.URL, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}

	sess.contentType = resp.ContentType()
	if opts.JSON || strings.HasPrefix(sess.contentType, "application/json") {
		sess.contentMode = ContentModeJSON
	}
	sess.offset = Offset(resp.Header.Get(headerStreamOffset))
	sess.cursor = resp.Header.Get(headerStreamCursor)
	sess.upToDate = resp.Header.Get(headerStreamUpToDate) == "true"
	sess.parked = resp
	sess.state = StateReady

	sess.vis = newVisibilityState(opts.Visibility, opts.InitiallyHidden, sess.onHidden, sess.onVisible)

	if opts.CancelSignal != nil {
		go func() {
			select {
			case <-opts.CancelSignal:
				sess.Cancel(nil)
			case <-sess.closeCh:
			}
		}()
	}

	log.WithField("url", opts.URL).WithField("live", string(opts.Live)).Debug("durablestreams: session opened")
	return sess, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offset returns the last offset observed by the driver.
func (s *Session) Offset() Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Cursor returns the last cursor observed, if any.
func (s *Session) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// UpToDate reports whether the most recent dispatch reached stream head.
func (s *Session) UpToDate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upToDate
}

// ContentType returns the Content-Type observed on the first response.
func (s *Session) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentType
}

// ContentMode returns the session's derived content mode.
func (s *Session) ContentMode() ContentMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentMode
}

// Live returns the session's resolved live mode. Before the first
// consumer attaches, an Auto session reports Auto; after, it reports
// the resolved mode (spec.md §4.4 Live-mode resolution).
func (s *Session) Live() LiveMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// StartOffset returns the offset the session was opened with.
func (s *Session) StartOffset() Offset {
	return s.startOffset
}

// Closed returns a channel that is closed when the session transitions
// to Closed, for any reason.
func (s *Session) Closed() <-chan struct{} {
	return s.closeCh
}

// Err returns the terminal error, if the session closed abnormally. Nil
// if the session closed cleanly (upToDate, non-live) or is still open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Cancel transitions the session to Closed(cancelled): aborts any
// in-flight request, rejects pending consumer promises with
// ErrCancelled, and removes the visibility listener (spec.md §5).
func (s *Session) Cancel(reason error) {
	err := ErrCancelled
	if reason != nil {
		err = fmt.Errorf("%w: %v", ErrCancelled, reason)
	}
	s.closeWith(err)
}

// closeWith transitions the session to Closed exactly once, recording
// err (nil for a clean close) and tearing down the driver, bus, and
// visibility listener.
func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeErr = err
		s.mu.Unlock()

		if s.driverCancel != nil {
			s.driverCancel()
		}
		s.bus.Publish(context.Background(), &fanout.Dispatch{Closed: true, Err: err})
		s.bus.CloseAll()
		if s.vis != nil {
			s.vis.close()
		}
		close(s.closeCh)
	})
}

// onHidden is the visibility gate's hidden hook (C6): the session moves
// to Paused and the driver issues no further request until onVisible. A
// request already in flight is not cancelled.
func (s *Session) onHidden() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	s.mu.Unlock()
	log.Debug("durablestreams: session paused (hidden)")
}

// onVisible resumes the driver at the current offset/cursor.
func (s *Session) onVisible() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateConsuming
	old := s.pauseCh
	s.pauseCh = make(chan struct{})
	s.mu.Unlock()
	close(old)
	log.Debug("durablestreams: session resumed (visible)")
}

// ensureConsuming starts the network driver on first consumer
// attachment, resolving Live=Auto per spec.md §4.4. accumulator is true
// for Promise-style consumers (Body/Text/JSON), which resolve live=auto
// to off; everything else resolves it to long_poll.
func (s *Session) ensureConsuming(accumulator bool) {
	s.driverOnce.Do(func() {
		s.mu.Lock()
		if s.live == LiveModeAuto {
			if accumulator {
				s.live = LiveModeNone
			} else {
				s.live = LiveModeLongPoll
			}
		}
		if s.state != StateClosed {
			s.state = StateConsuming
		}
		s.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		s.driverCancel = cancel
		go s.runDriver(ctx)
	})
}

// resolveDynamic evaluates the session's configured header/param
// providers for one request.
func (s *Session) resolveDynamic(ctx context.Context) (map[string]string, map[string]string, error) {
	headers, err := s.headers.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	if headers == nil {
		headers = map[string]string{}
	}
	params, err := s.params.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	if params == nil {
		params = map[string]string{}
	}
	return headers, params, nil
}

// requestWithRetry issues one request, retrying per backoff on
// retryable statuses and transport errors (spec.md §4.2). onAttempt, if
// non-nil, is called with the attempt number (0 for the first) just
// before each request is sent.
func requestWithRetry(ctx context.Context, codec *wire.Codec, policy backoffx.Policy, method, url string, headers, params map[string]string, body io.Reader, onAttempt func(attempt int)) (*wire.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			d := policy.DelayFor(attempt)
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			}
		}
		if onAttempt != nil {
			onAttempt(attempt)
		}
		resp, err := codec.Do(ctx, method, url, headers, params, body)
		if err != nil {
			lastErr = err
			if backoffx.IsTransportError(err) && attempt < policy.MaxRetries {
				continue
			}
			return nil, err
		}
		if resp.StatusCode >= 400 && backoffx.ShouldRetry(resp.StatusCode) && attempt < policy.MaxRetries {
			resp.Body.Close()
			lastErr = newStreamError(method, url, resp.StatusCode, errorFromStatus(resp.StatusCode))
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

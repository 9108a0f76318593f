package durablestreams

import (
	"net/http"
	"time"

	"github.com/dstreams/client-go/internal/backoffx"
	"github.com/dstreams/client-go/internal/wire"
)

// LiveMode specifies how the client handles live streaming.
type LiveMode string

const (
	// LiveModeNone stops after catching up (no live tailing).
	// This is the default mode.
	LiveModeNone LiveMode = ""

	// LiveModeLongPoll uses HTTP long-polling for live updates.
	// The server holds the connection open until new data arrives or timeout.
	LiveModeLongPoll LiveMode = "long-poll"

	// LiveModeSSE uses Server-Sent Events for live updates.
	// Only valid for text/* and application/json content types.
	LiveModeSSE LiveMode = "sse"

	// LiveModeAuto selects a mode for the caller. Stream.Read and
	// Stream.OpenSession select by content type: SSE for text/* and
	// application/json, long-poll otherwise. A Session opened with the
	// top-level OpenSession resolves Auto when its first consumer
	// attaches: off for Body, Text and JSON, long-poll for the others.
	LiveModeAuto LiveMode = "auto"
)

// =============================================================================
// Client Options
// =============================================================================

type clientConfig struct {
	httpClient  *http.Client
	baseURL     string
	retryPolicy *RetryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithHTTPClient sets a custom HTTP client.
// If not set, a default client with sensible timeouts is used.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpClient = c
	}
}

// WithBaseURL sets a base URL that will be prepended to stream paths.
// This is optional; you can also use full URLs when calling Client.Stream().
func WithBaseURL(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.baseURL = url
	}
}

// WithRetryPolicy sets the retry policy for transient errors.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = &p
	}
}

// RetryPolicy configures retry behavior for transient errors.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default is 3.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	// Default is 100ms.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default is 30s.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier.
	// Default is 2.0.
	Multiplier float64
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// =============================================================================
// Create Options
// =============================================================================

type createConfig struct {
	contentType string
	ttl         time.Duration
	expiresAt   time.Time
	initialData []byte
	headers     map[string]string
}

// CreateOption configures a Create operation.
type CreateOption func(*createConfig)

// WithContentType sets the stream's content type.
// Default is "application/octet-stream".
func WithContentType(ct string) CreateOption {
	return func(cfg *createConfig) {
		cfg.contentType = ct
	}
}

// WithTTL sets the stream's time-to-live.
// Mutually exclusive with WithExpiresAt.
func WithTTL(d time.Duration) CreateOption {
	return func(cfg *createConfig) {
		cfg.ttl = d
	}
}

// WithExpiresAt sets the stream's absolute expiry time.
// Mutually exclusive with WithTTL.
func WithExpiresAt(t time.Time) CreateOption {
	return func(cfg *createConfig) {
		cfg.expiresAt = t
	}
}

// WithInitialData sets initial data to write when creating the stream.
func WithInitialData(data []byte) CreateOption {
	return func(cfg *createConfig) {
		cfg.initialData = data
	}
}

// WithCreateHeaders sets custom headers for the create request.
func WithCreateHeaders(headers map[string]string) CreateOption {
	return func(cfg *createConfig) {
		cfg.headers = headers
	}
}

// =============================================================================
// Append Options
// =============================================================================

type appendConfig struct {
	seq     string
	ifMatch string
	headers map[string]string
}

// AppendOption configures an Append operation.
type AppendOption func(*appendConfig)

// WithSeq sets the sequence number for writer coordination.
// Sequence numbers must be strictly increasing (lexicographically).
// If a lower sequence is sent, the server returns 409 Conflict.
func WithSeq(seq string) AppendOption {
	return func(cfg *appendConfig) {
		cfg.seq = seq
	}
}

// WithIfMatch sets an ETag for optimistic concurrency control.
// The append will fail with 412 Precondition Failed if the ETag doesn't match.
func WithIfMatch(etag string) AppendOption {
	return func(cfg *appendConfig) {
		cfg.ifMatch = etag
	}
}

// WithAppendHeaders sets custom headers for the append request.
func WithAppendHeaders(headers map[string]string) AppendOption {
	return func(cfg *appendConfig) {
		cfg.headers = headers
	}
}

// =============================================================================
// Read Options
// =============================================================================

type readConfig struct {
	offset  Offset
	live    LiveMode
	cursor  string
	headers map[string]string
	timeout time.Duration

	// Session-only knobs (Stream.OpenSession / top-level OpenSession),
	// ignored by the legacy Stream.Read/ChunkIterator path.
	params          map[string]string
	dynamicHeaders  wire.ValueMap
	dynamicParams   wire.ValueMap
	jsonMode        bool
	cancelSignal    <-chan struct{}
	onError         OnErrorFunc
	visibility      VisibilityGate
	initiallyHidden bool
	backoff         *backoffx.Policy
}

// ReadOption configures a Read operation.
type ReadOption func(*readConfig)

// WithOffset sets the starting offset for reading.
// Default is StartOffset ("-1") which reads from the beginning.
func WithOffset(o Offset) ReadOption {
	return func(cfg *readConfig) {
		cfg.offset = o
	}
}

// WithLive sets the live streaming mode.
// Default is LiveModeNone (catch-up only, no live tailing).
func WithLive(mode LiveMode) ReadOption {
	return func(cfg *readConfig) {
		cfg.live = mode
	}
}

// WithCursor sets the cursor for CDN request collapsing.
// This is typically handled automatically by the iterator.
// Only use for advanced scenarios like resuming from a saved cursor.
func WithCursor(cursor string) ReadOption {
	return func(cfg *readConfig) {
		cfg.cursor = cursor
	}
}

// WithReadHeaders sets custom headers for read requests.
func WithReadHeaders(headers map[string]string) ReadOption {
	return func(cfg *readConfig) {
		cfg.headers = headers
	}
}

// WithReadTimeout sets the read timeout, passed to the session as
// SessionOptions.LongPollTimeout. The session driver does not apply it as
// a request deadline: a long-poll GET lasts as long as the server holds it.
func WithReadTimeout(d time.Duration) ReadOption {
	return func(cfg *readConfig) {
		cfg.timeout = d
	}
}

// WithReadParams sets static query parameters sent with every request a
// session issues (Stream.OpenSession / top-level OpenSession only).
func WithReadParams(params map[string]string) ReadOption {
	return func(cfg *readConfig) {
		cfg.params = params
	}
}

// WithDynamicReadHeaders sets header providers (static, per-request-sync,
// or per-request-async via wire.Sync/wire.Async) re-evaluated on every
// request a session issues, including continuation requests — e.g. a
// bearer token that must be refreshed mid-stream. Session-only.
func WithDynamicReadHeaders(headers wire.ValueMap) ReadOption {
	return func(cfg *readConfig) {
		cfg.dynamicHeaders = headers
	}
}

// WithDynamicReadParams is WithDynamicReadHeaders for query parameters.
// Session-only.
func WithDynamicReadParams(params wire.ValueMap) ReadOption {
	return func(cfg *readConfig) {
		cfg.dynamicParams = params
	}
}

// WithJSON forces JSON content mode regardless of the response's
// Content-Type, enabling JSON[T]/JSONStream[T]/SubscribeJSON[T] on the
// resulting session. Session-only.
func WithJSON(enabled bool) ReadOption {
	return func(cfg *readConfig) {
		cfg.jsonMode = enabled
	}
}

// WithCancelSignal ties the session's lifetime to an external channel: when
// it closes (or receives a value), the session cancels as if Session.Cancel
// had been called. Session-only.
func WithCancelSignal(sig <-chan struct{}) ReadOption {
	return func(cfg *readConfig) {
		cfg.cancelSignal = sig
	}
}

// WithOnError installs a callback invoked before each continuation-request
// retry, letting the caller inspect the error and optionally override
// headers/params for the retry (e.g. refresh credentials after a 401).
// Session-only.
func WithOnError(fn OnErrorFunc) ReadOption {
	return func(cfg *readConfig) {
		cfg.onError = fn
	}
}

// WithVisibilityGate attaches a host-supplied visibility signal that pauses
// the session's driver (without closing it) while hidden, and resumes it on
// return to visible. initiallyHidden seeds the starting state before the
// first callback fires. Session-only.
func WithVisibilityGate(gate VisibilityGate, initiallyHidden bool) ReadOption {
	return func(cfg *readConfig) {
		cfg.visibility = gate
		cfg.initiallyHidden = initiallyHidden
	}
}

// WithReadBackoff overrides the default continuation-retry backoff policy.
// Session-only.
func WithReadBackoff(p backoffx.Policy) ReadOption {
	return func(cfg *readConfig) {
		cfg.backoff = &p
	}
}

// =============================================================================
// Head Options
// =============================================================================

type headConfig struct {
	headers map[string]string
}

// HeadOption configures a Head operation.
type HeadOption func(*headConfig)

// WithHeadHeaders sets custom headers for the head request.
func WithHeadHeaders(headers map[string]string) HeadOption {
	return func(cfg *headConfig) {
		cfg.headers = headers
	}
}

// =============================================================================
// Delete Options
// =============================================================================

type deleteConfig struct {
	headers map[string]string
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteConfig)

// WithDeleteHeaders sets custom headers for the delete request.
func WithDeleteHeaders(headers map[string]string) DeleteOption {
	return func(cfg *deleteConfig) {
		cfg.headers = headers
	}
}

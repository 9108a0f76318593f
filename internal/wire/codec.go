// Package wire implements the injectable request/response codec shared by
// every durable streams operation: URL construction with sorted query
// parameters, dynamic (sync or async) header/param evaluation, and response
// parsing for both buffered and chunked (SSE) bodies.
package wire

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"emperror.dev/errors"
)

// Value is a tagged variant: a static string, or a function evaluated per
// request. Sync values are evaluated inline; Async values are awaited before
// the request is built. Exactly one of the three should be set; zero values
// behave as an empty static string.
type Value struct {
	static string
	sync   func() string
	async  func(ctx context.Context) (string, error)
}

// Static wraps a constant value.
func Static(s string) Value { return Value{static: s} }

// Sync wraps a value computed synchronously on every request.
func Sync(f func() string) Value { return Value{sync: f} }

// Async wraps a value computed asynchronously (e.g. a token refresh) on
// every request. The context passed to f is the request's context.
func Async(f func(ctx context.Context) (string, error)) Value { return Value{async: f} }

// Resolve evaluates the value for one request.
func (v Value) Resolve(ctx context.Context) (string, error) {
	if v.async != nil {
		return v.async(ctx)
	}
	if v.sync != nil {
		return v.sync(), nil
	}
	return v.static, nil
}

// IsZero reports whether the value was never set.
func (v Value) IsZero() bool {
	return v.static == "" && v.sync == nil && v.async == nil
}

// ValueMap is an ordered set of dynamic header/param providers. Evaluation
// happens sequentially, in key-sorted order, per request — the spec forbids
// concurrent evaluation for the same session/producer.
type ValueMap map[string]Value

// Resolve evaluates every entry in the map, sorted by key, returning a plain
// string map suitable for headers or query params.
func (m ValueMap) Resolve(ctx context.Context) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(m))
	for _, k := range keys {
		v, err := m[k].Resolve(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "wire: resolve dynamic value %q", k)
		}
		out[k] = v
	}
	return out, nil
}

// BuildURL joins base with query parameters sorted lexicographically by key
// (a stable cache key for CDN collapsing, per protocol). Both static and
// resolved dynamic params are accepted via params.
func BuildURL(base string, params map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "wire: parse base url")
	}

	q := u.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if params[k] == "" {
			continue
		}
		q.Set(k, params[k])
	}
	u.RawQuery = encodeSorted(q)
	return u.String(), nil
}

// encodeSorted mirrors url.Values.Encode but is factored out so the sort
// order is explicit and documented: it is already lexicographic by key
// because url.Values.Encode sorts keys internally, but we keep our own
// wrapper so the guarantee is local to this package rather than implied by
// the standard library's current implementation.
func encodeSorted(q url.Values) string {
	return q.Encode()
}

// Response is the result of a round trip: a status, a case-insensitive
// header map (http.Header already folds case), and a body delivered either
// fully buffered or as a chunked reader for SSE.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ContentType returns the normalized (media-type only, lowercased) value of
// the Content-Type header.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Codec issues HTTP requests through an injected *http.Client. It never
// assumes exclusive ownership of that client — it may be shared with its
// own connection pool (per spec.md §5 shared-resource policy).
type Codec struct {
	HTTPClient *http.Client
}

// New creates a Codec around an existing client. The client is never
// mutated.
func New(c *http.Client) *Codec {
	return &Codec{HTTPClient: c}
}

// Do builds and executes one request. headers/params are already-resolved
// values (callers resolve dynamic ones with ValueMap.Resolve first); body
// may be nil.
func (c *Codec) Do(ctx context.Context, method, rawURL string, headers, params map[string]string, body io.Reader) (*Response, error) {
	fullURL, err := BuildURL(rawURL, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "wire: build request")
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

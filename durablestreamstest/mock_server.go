// Package durablestreamstest provides testing utilities for durable streams clients.
//
// The package includes an in-memory mock server that implements the Durable Streams
// protocol, useful for unit testing without network dependencies.
//
// Example:
//
//	func TestMyCode(t *testing.T) {
//	    // Create mock server
//	    server := durablestreamstest.NewMockServer()
//	    defer server.Close()
//
//	    // Create client pointing to mock server
//	    client := durablestreams.NewClient(
//	        durablestreams.WithHTTPClient(server.HTTPClient()),
//	    )
//
//	    // Use client normally
//	    stream := client.Stream(server.URL() + "/my-stream")
//	    // ...
//	}
package durablestreamstest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultLongPollTimeout bounds how long handleRead holds a long-poll
// request open waiting for new data before returning the caught-up
// response unchanged (mirrors the protocol's server-side long-poll hold).
const defaultLongPollTimeout = 5 * time.Second

// MockServer is an in-memory implementation of a Durable Streams server.
// It's useful for testing client code without network dependencies.
type MockServer struct {
	server           *httptest.Server
	streams          map[string]*mockStream
	mu              sync.RWMutex
	longPollTimeout time.Duration
}

// mockStream represents an in-memory stream. Fields below mu are owned by
// the stream's own lock so long-poll/SSE holds don't need the server-wide
// lock while waiting.
type mockStream struct {
	mu          sync.Mutex
	contentType string
	data        []byte
	offset      int
	seq         int
	closed      bool
	createdAt   time.Time
	ttl         *time.Duration
	expiresAt   *time.Time
	etag        string

	// updated is closed and replaced every time data/closed changes, waking
	// any long-poll or SSE goroutine blocked on it.
	updated chan struct{}

	producers map[string]*producerState
}

// producerState tracks one idempotent producer's fencing state for a
// stream: the highest epoch it has claimed and the next seq expected
// under that epoch.
type producerState struct {
	epoch   int
	nextSeq int
}

func newMockStream(contentType string) *mockStream {
	return &mockStream{
		contentType: contentType,
		createdAt:   time.Now(),
		updated:     make(chan struct{}),
		producers:   make(map[string]*producerState),
	}
}

// notifyLocked wakes long-poll/SSE waiters. Caller must hold s.mu.
func (s *mockStream) notifyLocked() {
	close(s.updated)
	s.updated = make(chan struct{})
}

// NewMockServer creates a new mock Durable Streams server.
func NewMockServer() *MockServer {
	ms := &MockServer{
		streams:         make(map[string]*mockStream),
		longPollTimeout: defaultLongPollTimeout,
	}

	ms.server = httptest.NewServer(http.HandlerFunc(ms.handleRequest))
	return ms
}

// URL returns the base URL of the mock server.
func (ms *MockServer) URL() string {
	return ms.server.URL
}

// HTTPClient returns an HTTP client configured to use the mock server.
func (ms *MockServer) HTTPClient() *http.Client {
	return ms.server.Client()
}

// SetLongPollTimeout overrides how long a long-poll GET is held open
// waiting for new data before returning unchanged. Tests that want fast
// "no new data, time out" assertions should shrink this.
func (ms *MockServer) SetLongPollTimeout(d time.Duration) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.longPollTimeout = d
}

// Close shuts down the mock server.
func (ms *MockServer) Close() {
	ms.server.Close()
}

// Reset clears all streams from the server.
func (ms *MockServer) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.streams = make(map[string]*mockStream)
}

// GetStreamData returns the raw data for a stream.
// Useful for assertions in tests.
func (ms *MockServer) GetStreamData(path string) ([]byte, bool) {
	stream, ok := ms.lookupStream(path)
	if !ok {
		return nil, false
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return append([]byte(nil), stream.data...), true
}

func (ms *MockServer) lookupStream(path string) (*mockStream, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	s, ok := ms.streams[path]
	return s, ok
}

// handleRequest routes HTTP requests to the appropriate handler.
func (ms *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch r.Method {
	case http.MethodPut:
		ms.handleCreate(w, r, path)
	case http.MethodPost:
		ms.handleAppend(w, r, path)
	case http.MethodGet:
		ms.handleRead(w, r, path)
	case http.MethodHead:
		ms.handleHead(w, r, path)
	case http.MethodDelete:
		ms.handleDelete(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCreate handles PUT requests to create a stream.
func (ms *MockServer) handleCreate(w http.ResponseWriter, r *http.Request, path string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Check if stream already exists
	if existing, ok := ms.streams[path]; ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		// Idempotent create - check content type matches
		if existing.contentType != contentType {
			http.Error(w, "Stream exists with different content type", http.StatusConflict)
			return
		}
		w.Header().Set("Stream-Next-Offset", strconv.Itoa(existing.offset))
		w.WriteHeader(http.StatusOK)
		return
	}

	// Read initial data if provided
	var initialData []byte
	if r.Body != nil {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
	}

	stream := newMockStream(contentType)
	stream.data = initialData
	stream.offset = len(initialData)
	if len(initialData) > 0 {
		stream.etag = uuid.NewString()
	}

	// Parse TTL if provided
	if ttlStr := r.Header.Get("Stream-TTL"); ttlStr != "" {
		if secs, err := strconv.ParseInt(ttlStr, 10, 64); err == nil {
			ttl := time.Duration(secs) * time.Second
			stream.ttl = &ttl
		}
	}

	// Parse expires-at if provided
	if expiresStr := r.Header.Get("Stream-Expires-At"); expiresStr != "" {
		if t, err := time.Parse(time.RFC3339, expiresStr); err == nil {
			stream.expiresAt = &t
		}
	}

	ms.streams[path] = stream

	w.Header().Set("Stream-Next-Offset", strconv.Itoa(stream.offset))
	w.WriteHeader(http.StatusCreated)
}

// handleAppend handles POST requests to append data, including both the
// plain Stream-Seq writer-coordination path and the idempotent-producer
// path (Producer-Id/Producer-Epoch/Producer-Seq).
func (ms *MockServer) handleAppend(w http.ResponseWriter, r *http.Request, path string) {
	stream, ok := ms.lookupStream(path)
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stream.closed {
		http.Error(w, "Stream is closed", http.StatusConflict)
		return
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && ifMatch != stream.etag {
		w.Header().Set("Stream-Next-Offset", strconv.Itoa(stream.offset))
		http.Error(w, "Precondition failed", http.StatusPreconditionFailed)
		return
	}

	if producerID := r.Header.Get("Producer-Id"); producerID != "" {
		ms.applyProducerAppendLocked(w, r, stream, producerID, data)
		return
	}

	if seqStr := r.Header.Get("Stream-Seq"); seqStr != "" {
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			http.Error(w, "Invalid sequence number", http.StatusBadRequest)
			return
		}
		if seq <= stream.seq {
			http.Error(w, "Sequence conflict", http.StatusConflict)
			return
		}
		stream.seq = seq
	}

	stream.data = append(stream.data, data...)
	stream.offset = len(stream.data)
	stream.etag = uuid.NewString()

	if r.Header.Get("Stream-Closed") == "true" {
		stream.closed = true
	}
	stream.notifyLocked()

	w.Header().Set("Stream-Next-Offset", strconv.Itoa(stream.offset))
	w.Header().Set("ETag", stream.etag)
	w.WriteHeader(http.StatusOK)
}

// applyProducerAppendLocked implements zombie fencing and sequence-gap
// detection for one idempotent-producer batch. Caller must hold stream.mu.
func (ms *MockServer) applyProducerAppendLocked(w http.ResponseWriter, r *http.Request, stream *mockStream, producerID string, data []byte) {
	epoch, _ := strconv.Atoi(r.Header.Get("Producer-Epoch"))
	seq, _ := strconv.Atoi(r.Header.Get("Producer-Seq"))

	ps, ok := stream.producers[producerID]
	if !ok {
		ps = &producerState{epoch: epoch}
		stream.producers[producerID] = ps
	}

	if epoch < ps.epoch {
		w.Header().Set("Producer-Epoch", strconv.Itoa(ps.epoch))
		http.Error(w, "Stale epoch", http.StatusForbidden)
		return
	}
	if epoch > ps.epoch {
		ps.epoch = epoch
		ps.nextSeq = 0
	}

	switch {
	case seq < ps.nextSeq:
		// Already applied under the current epoch: idempotent duplicate.
		w.WriteHeader(http.StatusNoContent)
		return
	case seq > ps.nextSeq:
		w.Header().Set("Producer-Expected-Seq", strconv.Itoa(ps.nextSeq))
		w.Header().Set("Producer-Received-Seq", strconv.Itoa(seq))
		http.Error(w, "Sequence gap", http.StatusConflict)
		return
	}

	stream.data = append(stream.data, data...)
	stream.offset = len(stream.data)
	stream.etag = uuid.NewString()
	ps.nextSeq++
	stream.notifyLocked()

	w.Header().Set("Stream-Next-Offset", strconv.Itoa(stream.offset))
	w.WriteHeader(http.StatusOK)
}

// handleRead handles GET requests to read data, including catch-up,
// long-poll, and SSE live modes.
func (ms *MockServer) handleRead(w http.ResponseWriter, r *http.Request, path string) {
	stream, ok := ms.lookupStream(path)
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	stream.mu.Lock()
	dataLen := len(stream.data)
	stream.mu.Unlock()

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" && offsetStr != "-1" {
		var err error
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			http.Error(w, "Invalid offset", http.StatusBadRequest)
			return
		}
	}
	if offset > dataLen {
		http.Error(w, "Offset gone", http.StatusGone)
		return
	}

	live := r.URL.Query().Get("live")
	if live == "sse" {
		ms.handleSSERead(w, r, stream, offset)
		return
	}
	if live == "long-poll" {
		ms.waitForUpdate(r.Context(), stream, offset)
	}

	stream.mu.Lock()
	data := append([]byte(nil), stream.data[offset:]...)
	nextOffset := stream.offset
	closed := stream.closed
	cursor := stream.etag
	contentType := stream.contentType
	stream.mu.Unlock()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Stream-Next-Offset", strconv.Itoa(nextOffset))
	if cursor != "" {
		w.Header().Set("Stream-Cursor", cursor)
	}
	w.Header().Set("Stream-Up-To-Date", "true")
	if closed {
		w.Header().Set("Stream-Closed", "true")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// waitForUpdate blocks a long-poll GET until new data arrives past offset,
// the stream closes, the request's context is cancelled, or the server's
// long-poll timeout elapses — whichever comes first.
func (ms *MockServer) waitForUpdate(ctx context.Context, stream *mockStream, offset int) {
	ms.mu.RLock()
	timeout := ms.longPollTimeout
	ms.mu.RUnlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		stream.mu.Lock()
		ready := stream.offset > offset || stream.closed
		waitCh := stream.updated
		stream.mu.Unlock()
		if ready {
			return
		}

		select {
		case <-waitCh:
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		}
	}
}

// handleSSERead handles SSE streaming reads: it emits data events as new
// data is appended and a control event after each data event (and on
// first connect), setting streamClosed once the stream is closed.
func (ms *MockServer) handleSSERead(w http.ResponseWriter, r *http.Request, stream *mockStream, offset int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	ctx := r.Context()
	for {
		stream.mu.Lock()
		pending := append([]byte(nil), stream.data[offset:]...)
		nextOffset := stream.offset
		closed := stream.closed
		cursor := stream.etag
		waitCh := stream.updated
		stream.mu.Unlock()

		if len(pending) > 0 {
			fmt.Fprintf(w, "event: data\ndata: %s\n\n", pending)
			offset = nextOffset
		}

		control, _ := json.Marshal(sseControl{
			StreamNextOffset: strconv.Itoa(nextOffset),
			StreamCursor:     cursor,
			UpToDate:         true,
			StreamClosed:     closed,
		})
		fmt.Fprintf(w, "event: control\ndata: %s\n\n", control)
		flusher.Flush()

		if closed {
			return
		}

		select {
		case <-waitCh:
		case <-ctx.Done():
			return
		}
	}
}

// sseControl mirrors internal/sse.ControlEvent's wire shape.
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         bool   `json:"upToDate,omitempty"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// handleHead handles HEAD requests for stream metadata.
func (ms *MockServer) handleHead(w http.ResponseWriter, r *http.Request, path string) {
	stream, ok := ms.lookupStream(path)
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	w.Header().Set("Content-Type", stream.contentType)
	w.Header().Set("Stream-Next-Offset", strconv.Itoa(stream.offset))
	if stream.closed {
		w.Header().Set("Stream-Closed", "true")
	}

	if stream.ttl != nil {
		remaining := *stream.ttl - time.Since(stream.createdAt)
		if remaining > 0 {
			w.Header().Set("Stream-TTL", strconv.FormatInt(int64(remaining.Seconds()), 10))
		}
	}
	if stream.expiresAt != nil {
		w.Header().Set("Stream-Expires-At", stream.expiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
}

// handleDelete handles DELETE requests.
func (ms *MockServer) handleDelete(w http.ResponseWriter, r *http.Request, path string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.streams[path]; !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	delete(ms.streams, path)
	w.WriteHeader(http.StatusOK)
}

// MockTransport is an http.RoundTripper that records requests and returns
// configured responses. Useful for testing client behavior without a server.
type MockTransport struct {
	mu        sync.Mutex
	requests  []*http.Request
	responses []*http.Response
	errors    []error
	index     int
}

// NewMockTransport creates a new MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		requests:  make([]*http.Request, 0),
		responses: make([]*http.Response, 0),
		errors:    make([]error, 0),
	}
}

// AddResponse adds a response to be returned by the next matching request.
func (mt *MockTransport) AddResponse(resp *http.Response, err error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.responses = append(mt.responses, resp)
	mt.errors = append(mt.errors, err)
}

// AddJSONResponse is a helper to add a JSON response.
func (mt *MockTransport) AddJSONResponse(status int, body any, headers map[string]string) {
	data, _ := json.Marshal(body)
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(string(data))),
	}
	resp.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	mt.AddResponse(resp, nil)
}

// Requests returns all recorded requests.
func (mt *MockTransport) Requests() []*http.Request {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.requests
}

// RoundTrip implements http.RoundTripper.
func (mt *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.requests = append(mt.requests, req)

	if mt.index >= len(mt.responses) {
		return nil, fmt.Errorf("no more mock responses configured")
	}

	resp := mt.responses[mt.index]
	err := mt.errors[mt.index]
	mt.index++

	return resp, err
}

// Reset clears all recorded requests and responses.
func (mt *MockTransport) Reset() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.requests = make([]*http.Request, 0)
	mt.responses = make([]*http.Response, 0)
	mt.errors = make([]error, 0)
	mt.index = 0
}

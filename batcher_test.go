package durablestreams

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBatchedStreamCoalescesConcurrentAppends verifies that concurrent
// Appends issued while a batch is in flight are joined into the next
// request rather than each getting their own round trip.
func TestBatchedStreamCoalescesConcurrentAppends(t *testing.T) {
	var requests atomic.Int32
	var mu sync.Mutex
	var bodies [][]byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)

		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		w.Header().Set(headerStreamOffset, "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	stream := client.Stream(server.URL + "/batched")
	stream.SetContentType("application/json")

	batched := NewBatchedStream(stream)
	defer batched.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]int{"id": id})
			_, err := batched.Append(context.Background(), payload)
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every append succeeded, but far fewer than n HTTP requests were
	// made since concurrent ones joined in-flight batches.
	require.Less(t, int(requests.Load()), n)

	mu.Lock()
	defer mu.Unlock()
	var total int
	for _, b := range bodies {
		var items []json.RawMessage
		require.NoError(t, json.Unmarshal(b, &items))
		total += len(items)
	}
	require.Equal(t, n, total)
}

// TestBatchedStreamContentTypeMismatchRejected verifies a batch whose
// members were enqueued under different content types fails client-side
// rather than silently concatenating incompatible payloads.
func TestBatchedStreamContentTypeMismatchRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted for a mismatched batch")
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	stream := client.Stream(server.URL + "/batched-mismatch")

	batched := NewBatchedStream(stream)
	defer batched.Close()

	stream.SetContentType("application/octet-stream")
	p1 := &pendingAppend{ctx: context.Background(), data: []byte("a"), contentType: "application/octet-stream", done: make(chan error, 1)}
	stream.SetContentType("application/json")
	p2 := &pendingAppend{ctx: context.Background(), data: []byte(`{}`), contentType: "application/json", done: make(chan error, 1)}

	err := batched.sendBatch([]*pendingAppend{p1, p2})
	require.ErrorIs(t, err, ErrContentTypeMismatch)
}

// TestBatchedStreamCloseWaitsForInFlight verifies Close blocks until an
// in-flight batch finishes instead of returning (or hanging) early.
func TestBatchedStreamCloseWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set(headerStreamOffset, "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	stream := client.Stream(server.URL + "/batched-close")
	stream.SetContentType("application/octet-stream")

	batched := NewBatchedStream(stream)

	appendDone := make(chan error, 1)
	go func() {
		_, err := batched.Append(context.Background(), []byte("a"))
		appendDone <- err
	}()

	// Give the append a moment to start its batch before racing Close.
	time.Sleep(20 * time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		require.NoError(t, batched.Close())
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned before the in-flight batch drained")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the batch drained")
	}
	require.NoError(t, <-appendDone)
}

// TestBatchedStreamAppendJSON verifies AppendJSON marshals its value
// and routes it through the same batching path as Append.
func TestBatchedStreamAppendJSON(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotBody = body
		w.Header().Set(headerStreamOffset, "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	stream := client.Stream(server.URL + "/batched-json")
	stream.SetContentType("application/json")

	batched := NewBatchedStream(stream)
	defer batched.Close()

	_, err := batched.AppendJSON(context.Background(), map[string]int{"id": 7})
	require.NoError(t, err)

	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(gotBody, &items))
	require.Len(t, items, 1)
	require.JSONEq(t, `{"id":7}`, string(items[0]))
}

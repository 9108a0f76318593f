package durablestreams

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIdempotentProducerDuplicateSuppressed covers S4: a batch is sent
// successfully, then the exact same (producerId, epoch, seq) triggers a
// 204 from the server; the producer must not mistake the duplicate for a
// second distinct append.
func TestIdempotentProducerDuplicateSuppressed(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	var appendCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seq := r.Header.Get(headerProducerSeq)

		mu.Lock()
		n := seen[seq]
		seen[seq] = n + 1
		mu.Unlock()

		if n > 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		appendCount.Add(1)
		w.Header().Set(headerStreamOffset, "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	producer, err := client.IdempotentProducer(server.URL+"/p", "", IdempotentProducerConfig{
		MaxInFlight: 1,
		LingerMs:    1,
	})
	require.NoError(t, err)
	defer producer.Close()

	res, err := producer.Append(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, Offset("42"), res.Offset)

	// Simulate an out-of-band retry of the exact same network request: the
	// server must have seen this seq already and deduped it.
	req, err := http.NewRequest(http.MethodPost, server.URL+"/p", nil)
	require.NoError(t, err)
	req.Header.Set(headerProducerID, producer.producerID)
	req.Header.Set(headerProducerEpoch, "0")
	req.Header.Set(headerProducerSeq, "0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Equal(t, 1, producer.NextSeq())
	require.Equal(t, int32(1), appendCount.Load())
}

// TestIdempotentProducerAutoClaim covers S5: a stale-epoch 403 triggers an
// auto-claim resend at the new epoch/seq 0 when AutoClaim is enabled, and
// the pending Append resolves with the new offset rather than an error.
func TestIdempotentProducerAutoClaim(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set(headerProducerEpoch, "2")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		require.Equal(t, "3", r.Header.Get(headerProducerEpoch))
		require.Equal(t, "0", r.Header.Get(headerProducerSeq))
		w.Header().Set(headerStreamOffset, "99")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	producer, err := client.IdempotentProducer(server.URL+"/p", "producer-a", IdempotentProducerConfig{
		AutoClaim:   true,
		MaxInFlight: 1,
		LingerMs:    1,
	})
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := producer.Append(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, Offset("99"), res.Offset)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, 3, producer.Epoch())
}

// TestIdempotentProducerAutoClaimConcurrencyRejected verifies construction
// rejects AutoClaim combined with pipelined sends, since a resend at a new
// epoch could otherwise race a concurrently in-flight batch.
func TestIdempotentProducerAutoClaimConcurrencyRejected(t *testing.T) {
	client := NewClient()
	_, err := client.IdempotentProducer("http://example.com/p", "", IdempotentProducerConfig{
		AutoClaim:   true,
		MaxInFlight: 2,
	})
	require.ErrorIs(t, err, ErrAutoClaimConcurrency)
}

// TestIdempotentProducerOrderedAcksUnderPipelining verifies that a fast
// second batch's Append does not resolve before a slower first batch's,
// even though both sends are in flight concurrently (MaxInFlight > 1):
// ordered ack application must hold the second back until the first
// drains.
func TestIdempotentProducerOrderedAcksUnderPipelining(t *testing.T) {
	const delay = 80 * time.Millisecond

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seq := r.Header.Get(headerProducerSeq)
		if seq == "0" {
			time.Sleep(delay)
		}
		w.Header().Set(headerStreamOffset, seq)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	producer, err := client.IdempotentProducer(server.URL+"/p", "", IdempotentProducerConfig{
		MaxInFlight:   4,
		LingerMs:      1,
		MaxBatchBytes: 1, // force one entry per batch
	})
	require.NoError(t, err)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	elapsed := make(chan time.Duration, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := producer.Append(ctx, []byte("x"))
			require.NoError(t, err)
			elapsed <- time.Since(start)
		}()
	}
	wg.Wait()
	close(elapsed)

	for e := range elapsed {
		require.GreaterOrEqualf(t, e, delay, "an Append resolved before the slower earlier-sequenced batch drained")
	}
}

// TestIdempotentProducerFlushAndClose verifies Flush drains pending
// batches and Close rejects further appends.
func TestIdempotentProducerFlushAndClose(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.Header().Set(headerStreamOffset, "1")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithHTTPClient(server.Client()))
	producer, err := client.IdempotentProducer(server.URL+"/p", "", IdempotentProducerConfig{
		MaxInFlight: 1,
		LingerMs:    60_000, // long enough that only Flush triggers the send
	})
	require.NoError(t, err)

	require.NoError(t, producer.AppendAsync([]byte("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, producer.Flush(ctx))
	require.Equal(t, int32(1), received.Load())

	require.NoError(t, producer.Close())
	_, err = producer.Append(ctx, []byte("b"))
	require.ErrorIs(t, err, ErrProducerClosed)
}

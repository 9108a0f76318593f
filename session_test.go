package durablestreams

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dstreams/client-go/durablestreamstest"
)

type item struct {
	ID int `json:"id"`
}

// TestSessionCatchUpJSON covers S1: a non-live session catching up on a
// closed-over set of JSON items resolves JSON[T] immediately on the
// first upToDate response.
func TestSessionCatchUpJSON(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/s1")

	ctx := context.Background()
	err := stream.Create(ctx, WithContentType("application/json"))
	require.NoError(t, err)
	_, err = stream.Append(ctx, []byte(`{"id":1}`))
	require.NoError(t, err)
	_, err = stream.Append(ctx, []byte(`{"id":2}`))
	require.NoError(t, err)

	sess, err := stream.OpenSession(ctx, WithOffset(StartOffset))
	require.NoError(t, err)
	defer sess.Cancel(nil)

	require.Equal(t, ContentModeJSON, sess.ContentMode())

	items, err := JSON[item](ctx, sess)
	require.NoError(t, err)
	require.Equal(t, []item{{ID: 1}, {ID: 2}}, items)
	require.True(t, sess.UpToDate())

	<-sess.Closed()
	require.NoError(t, sess.Err())
}

// TestSessionLongPollTailing covers S2: a long-poll session observes a
// second append issued after the session already caught up, via a pull
// consumer, and never closes on its own.
func TestSessionLongPollTailing(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/s2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := stream.Create(ctx, WithContentType("application/json"))
	require.NoError(t, err)
	_, err = stream.Append(ctx, []byte(`{"id":1}`))
	require.NoError(t, err)

	sess, err := stream.OpenSession(ctx, WithOffset(StartOffset), WithLive(LiveModeLongPoll))
	require.NoError(t, err)
	defer sess.Cancel(nil)

	puller, err := JSONStream[item](sess)
	require.NoError(t, err)
	defer puller.Close()

	first, _, err := puller.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []item{{ID: 1}}, first)

	_, err = stream.Append(ctx, []byte(`{"id":2}`))
	require.NoError(t, err)

	second, _, err := puller.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []item{{ID: 2}}, second)

	select {
	case <-sess.Closed():
		t.Fatal("long-poll session closed without a cancel")
	default:
	}
}

// TestSessionSSEClosure covers S3: an SSE session observes one data event
// then a control event with streamClosed, transitioning to Closed(ok).
func TestSessionSSEClosure(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/s3")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := stream.Create(ctx, WithContentType("application/json"))
	require.NoError(t, err)
	_, err = stream.Append(ctx, []byte(`{"id":1}`))
	require.NoError(t, err)
	require.NoError(t, stream.Close(ctx))

	sess, err := stream.OpenSession(ctx, WithOffset(StartOffset), WithLive(LiveModeSSE), WithJSON(true))
	require.NoError(t, err)

	items, err := JSON[item](ctx, sess)
	require.NoError(t, err)
	require.Equal(t, []item{{ID: 1}}, items)

	select {
	case <-sess.Closed():
	case <-ctx.Done():
		t.Fatal("session did not close on streamClosed")
	}
	require.NoError(t, sess.Err())
}

// TestSessionVisibilityPause covers S6: a session with a visibility gate
// that starts hidden never issues its continuation request until the
// host reports visible, then resumes using the last offset.
func TestSessionVisibilityPause(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	client := NewClient(WithHTTPClient(server.HTTPClient()))
	stream := client.Stream(server.URL() + "/s6")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := stream.Create(ctx, WithContentType("application/json"))
	require.NoError(t, err)
	_, err = stream.Append(ctx, []byte(`{"id":1}`))
	require.NoError(t, err)

	var mu sync.Mutex
	var hiddenFn func(hidden bool)
	gate := VisibilityFunc(func(fn func(hidden bool)) func() {
		mu.Lock()
		hiddenFn = fn
		mu.Unlock()
		return func() {}
	})

	sess, err := stream.OpenSession(ctx,
		WithOffset(StartOffset),
		WithLive(LiveModeLongPoll),
		WithVisibilityGate(gate, true),
	)
	require.NoError(t, err)
	defer sess.Cancel(nil)

	puller, err := JSONStream[item](sess)
	require.NoError(t, err)
	defer puller.Close()

	first, _, err := puller.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []item{{ID: 1}}, first)

	// Session caught up while hidden; it must not have issued a
	// continuation request yet, so a second append is invisible until
	// visibility returns.
	_, err = stream.Append(ctx, []byte(`{"id":2}`))
	require.NoError(t, err)

	mu.Lock()
	fn := hiddenFn
	mu.Unlock()
	require.NotNil(t, fn)
	fn(false) // host reports visible

	second, _, err := puller.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []item{{ID: 2}}, second)
}

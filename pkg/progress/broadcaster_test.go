package progress

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/studio/backend/pkg/logging"
)

func chunk(instanceID string, i int) OutputChunk {
	return OutputChunk{InstanceID: instanceID, ExecutionID: "exec-1", Data: fmt.Sprintf("line %d\n", i)}
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestConcurrentSubscribersSeeSameOrder(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	first := b.Subscribe("inst-1")
	second := b.Subscribe("inst-1")
	defer first.Close()
	defer second.Close()

	const n = 100
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < n; i++ {
			b.Publish(chunk("inst-1", i))
		}
	}()
	results := [][]Event{collect(t, first, n), collect(t, second, n)}
	<-published

	require.Len(t, results[0], n)
	assert.Equal(t, results[0], results[1])
	for i, ev := range results[0] {
		assert.Equal(t, fmt.Sprintf("line %d\n", i), ev.(OutputChunk).Data)
	}
}

func TestSubscribersAreKeyedByInstance(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	mine := b.Subscribe("inst-1")
	all := b.Subscribe(AllInstances)
	defer mine.Close()
	defer all.Close()

	b.Publish(chunk("inst-2", 0))
	b.Publish(chunk("inst-1", 1))

	got := collect(t, mine, 1)
	assert.Equal(t, "inst-1", got[0].Instance())
	assert.Len(t, collect(t, all, 2), 2)
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	b.Publish(chunk("inst-1", 0))
	sub := b.Subscribe("inst-1")
	defer sub.Close()
	b.Publish(chunk("inst-1", 1))

	got := collect(t, sub, 1)
	assert.Equal(t, "line 1\n", got[0].(OutputChunk).Data)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event %#v", ev)
	default:
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	b := NewBroadcaster(logging.Discard(), WithBuffer(2))
	slow := b.Subscribe("inst-1")
	fast := b.Subscribe("inst-1")

	go func() {
		for range fast.Events() {
		}
	}()
	for i := 0; i < 3; i++ {
		b.Publish(chunk("inst-1", i))
		time.Sleep(10 * time.Millisecond)
	}

	var drained int
	for range slow.Events() {
		drained++
	}
	assert.Equal(t, 2, drained)
	assert.Equal(t, 1, b.Subscribers("inst-1"))
	slow.Close()
	fast.Close()
}

func TestLatestGenerationSnapshot(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	b.Publish(GenerationProgress{InstanceID: "i", GenerationID: "g", Status: "running", Attempt: 1})
	b.Publish(GenerationProgress{InstanceID: "i", GenerationID: "g", Status: "running", Attempt: 2})

	p, ok := b.Latest("g")
	require.True(t, ok)
	assert.Equal(t, 2, p.Attempt)

	b.Forget("g")
	_, ok = b.Latest("g")
	assert.False(t, ok)
}

func TestSnapshotExpiresAfterCompletion(t *testing.T) {
	b := NewBroadcaster(logging.Discard(), WithSnapshotRetention(20*time.Millisecond))
	b.Publish(GenerationProgress{InstanceID: "i", GenerationID: "done", Status: "completed", Attempt: 3})
	b.Publish(GenerationProgress{InstanceID: "i", GenerationID: "open", Status: "running", Attempt: 1})
	b.Publish(GenerationCompleted{InstanceID: "i", GenerationID: "done", Status: "completed"})

	_, ok := b.Latest("done")
	require.True(t, ok, "snapshot should survive until retention elapses")
	require.Eventually(t, func() bool {
		_, ok := b.Latest("done")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok = b.Latest("open")
	assert.True(t, ok, "running generation keeps its snapshot")
}

func TestEnvelopeDecodesConcreteType(t *testing.T) {
	payload, err := Marshal(GenerationCompleted{InstanceID: "i", GenerationID: "g", Status: "completed", ImageURLs: []string{"u"}})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"generation_completed"`)

	ev, err := Unmarshal(payload)
	require.NoError(t, err)
	done, ok := ev.(GenerationCompleted)
	require.True(t, ok)
	assert.Equal(t, []string{"u"}, done.ImageURLs)

	_, err = Unmarshal([]byte(`{"type":"mystery","data":{}}`))
	assert.Error(t, err)
}

type loopRelay struct {
	mu       sync.Mutex
	handlers []func([]byte)
}

func (l *loopRelay) Publish(_ context.Context, payload []byte) error {
	l.mu.Lock()
	hs := append([]func([]byte){}, l.handlers...)
	l.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (l *loopRelay) Subscribe(ctx context.Context, handle func([]byte)) error {
	l.mu.Lock()
	l.handlers = append(l.handlers, handle)
	l.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (l *loopRelay) Close() error { return nil }

func (l *loopRelay) listeners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

func TestRelayCrossesProcessesWithoutEcho(t *testing.T) {
	relay := &loopRelay{}
	a := NewBroadcaster(logging.Discard(), WithRelay(relay))
	b := NewBroadcaster(logging.Discard(), WithRelay(relay))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.ListenRelay(ctx) }()
	go func() { _ = b.ListenRelay(ctx) }()
	require.Eventually(t, func() bool { return relay.listeners() == 2 }, time.Second, 5*time.Millisecond)

	local := a.Subscribe("inst-1")
	remote := b.Subscribe("inst-1")
	defer local.Close()
	defer remote.Close()

	a.Publish(chunk("inst-1", 7))

	assert.Equal(t, "line 7\n", collect(t, remote, 1)[0].(OutputChunk).Data)
	assert.Len(t, collect(t, local, 1), 1)
	select {
	case ev := <-local.Events():
		t.Fatalf("event echoed back to origin: %#v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSSEHandlerStreamsEvents(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	srv := httptest.NewServer(b.SSEHandler(func(r *http.Request) string { return r.URL.Query().Get("instance") }))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?instance=inst-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	b.Publish(SetupProgress{InstanceID: "inst-1", Step: 2, TotalSteps: 5, Message: "Installing"})
	var frames []string
	for len(frames) < 4 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		frames = append(frames, line)
	}
	joined := strings.Join(frames, "")
	assert.Contains(t, joined, "event: setup_progress\n")
	assert.Contains(t, joined, `"totalSteps":5`)
}

func TestWebSocketHandlerGivesUpOnStalledClient(t *testing.T) {
	b := NewBroadcaster(logging.Discard(), WithBuffer(4), WithWriteTimeout(50*time.Millisecond))
	handler := b.WebSocketHandler(func(r *http.Request) string { return "inst-1" })
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		handler(w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return b.Subscribers("inst-1") == 1 }, time.Second, 5*time.Millisecond)

	// The client never reads, so socket buffers fill and the handler's
	// writes block until the subscription is dropped as slow.
	big := OutputChunk{InstanceID: "inst-1", ExecutionID: "exec-1", Data: strings.Repeat("x", 256<<10)}
	for i := 0; i < 2000 && b.Subscribers("inst-1") > 0; i++ {
		b.Publish(big)
		time.Sleep(time.Millisecond)
	}
	require.Zero(t, b.Subscribers("inst-1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still blocked writing to a stalled client")
	}
}

func TestWebSocketHandlerStreamsEnvelopes(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	srv := httptest.NewServer(b.WebSocketHandler(func(r *http.Request) string { return "inst-1" }))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return b.Subscribers("inst-1") == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(chunk("inst-1", 3))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	ev, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, "line 3\n", ev.(OutputChunk).Data)

	conn.Close()
	require.Eventually(t, func() bool { return b.Subscribers("inst-1") == 0 }, time.Second, 5*time.Millisecond)
}

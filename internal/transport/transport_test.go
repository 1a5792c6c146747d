package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder is a websocket test server that records every frame it reads.
type recorder struct {
	mu        sync.Mutex
	frames    []string
	conns     int
	dropFirst bool
	silent    bool
	release   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{release: make(chan struct{})}
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	r.mu.Lock()
	r.conns++
	n := r.conns
	r.mu.Unlock()

	if r.silent {
		<-r.release
		return
	}

	ctx := req.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.frames = append(r.frames, string(data))
		r.mu.Unlock()

		if string(data) == "ping-me" {
			_ = ws.Write(ctx, websocket.MessageText, []byte("pong-you"))
		}
		if r.dropFirst && n == 1 && string(data) == "hello" {
			return
		}
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(t *testing.T, url string) Config {
	cfg := DefaultConfig(url)
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.Hello = func() ([]byte, error) { return []byte("hello"), nil }
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

// waitFor reads events until one matches state.
func waitFor(t *testing.T, c *Conn, state State) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.State == state {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (current %s)", state, c.State())
		}
	}
}

func TestConn_HelloFirstThenGatedOutbox(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := Dial(context.Background(), testConfig(t, wsURL(srv)))
	defer c.Close()

	c.Send([]byte("one"))
	c.Send([]byte("two"))

	ev := waitFor(t, c, StateConnected)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, rec.snapshot(), "outbox must stay gated until Open")
	assert.Equal(t, 2, c.Pending())

	require.True(t, c.Open(ev.Epoch))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello", "one", "two"}, rec.snapshot())
	assert.Equal(t, 0, c.Pending())
}

func TestConn_OpenIgnoresStaleEpoch(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := Dial(context.Background(), testConfig(t, wsURL(srv)))
	defer c.Close()

	ev := waitFor(t, c, StateConnected)
	assert.False(t, c.Open(ev.Epoch-1))
	assert.True(t, c.Open(ev.Epoch))
}

func TestConn_ReconnectKeepsOutboxInOrder(t *testing.T) {
	rec := newRecorder()
	rec.dropFirst = true
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := Dial(context.Background(), testConfig(t, wsURL(srv)))
	defer c.Close()

	c.Send([]byte("a"))
	c.Send([]byte("b"))

	// The first connection is dropped right after hello; the frames must
	// survive and go out on the second connection.
	var ev Event
	require.Eventually(t, func() bool {
		select {
		case e := <-c.Events():
			if e.State == StateConnected && e.Epoch >= 2 {
				ev = e
				return true
			}
		default:
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	require.True(t, c.Open(ev.Epoch))
	require.Eventually(t, func() bool {
		f := rec.snapshot()
		return len(f) >= 4 && f[len(f)-1] == "b"
	}, 5*time.Second, 10*time.Millisecond)

	frames := rec.snapshot()
	assert.Equal(t, []string{"hello", "hello", "a", "b"}, frames)
}

func TestConn_InboundMessagesCarryEpoch(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := Dial(context.Background(), testConfig(t, wsURL(srv)))
	defer c.Close()

	ev := waitFor(t, c, StateConnected)
	c.Send([]byte("ping-me"))
	c.Open(ev.Epoch)

	select {
	case msg := <-c.Messages():
		assert.Equal(t, "pong-you", string(msg.Data))
		assert.Equal(t, ev.Epoch, msg.Epoch)
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestConn_DiscardDropsBuffered(t *testing.T) {
	c := Dial(context.Background(), testConfig(t, "ws://127.0.0.1:1/unreachable"))
	defer c.Close()

	c.Send([]byte("x"))
	c.Send([]byte("y"))
	assert.Equal(t, 2, c.Discard())
	assert.Equal(t, 0, c.Pending())
}

func TestConn_UnreachableReportsDisconnected(t *testing.T) {
	c := Dial(context.Background(), testConfig(t, "ws://127.0.0.1:1/unreachable"))
	waitFor(t, c, StateDisconnected)
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_StuckThenReconnect(t *testing.T) {
	rec := newRecorder()
	rec.silent = true
	srv := httptest.NewServer(rec)
	defer srv.Close()
	defer close(rec.release)

	cfg := testConfig(t, wsURL(srv))
	cfg.PingInterval = 20 * time.Millisecond
	cfg.LivenessTimeout = 60 * time.Millisecond
	cfg.StuckGrace = 100 * time.Millisecond

	c := Dial(context.Background(), cfg)
	defer c.Close()

	waitFor(t, c, StateConnected)
	waitFor(t, c, StateStuck)
	waitFor(t, c, StateDisconnected)
}

func TestBackoff(t *testing.T) {
	b := &Backoff{Min: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, len(want), b.Attempt())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoff_JitterWithinBounds(t *testing.T) {
	b := &Backoff{Min: time.Second, Max: time.Second, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stuck", StateStuck.String())
	assert.Equal(t, "unknown", State(42).String())
}

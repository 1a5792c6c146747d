package roomserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mschirtzinger/tillsync/internal/coherence"
	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/provider"
	"github.com/Mschirtzinger/tillsync/internal/replica"
	"github.com/Mschirtzinger/tillsync/internal/session"
	"github.com/Mschirtzinger/tillsync/internal/transport"
)

var testRoom = protocol.Room{ID: "store-7", Schema: "pos", Version: 2}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	provider *provider.Provider
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p := provider.New(provider.DirOpener(t.TempDir()), logger, m)
	t.Cleanup(func() { _ = p.Close() })

	cfg := DefaultConfig()
	cfg.Provider = p
	cfg.Gatherer = reg
	cfg.Logger = logger
	cfg.Metrics = m
	cfg.PollInterval = 50 * time.Millisecond

	s, err := NewServer(cfg)
	require.NoError(t, err)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return &fixture{srv: s, http: hs, provider: p, registry: reg}
}

func (f *fixture) roomURL(t *testing.T) string {
	t.Helper()
	u, err := RoomURL(f.http.URL, DefaultPathPrefix, testRoom)
	require.NoError(t, err)
	return u
}

func openClient(t *testing.T, name string) *replica.DB {
	t.Helper()
	db, err := replica.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startSession(t *testing.T, f *fixture, name string, db *replica.DB) *session.Session {
	t.Helper()
	tc := transport.DefaultConfig(f.roomURL(t))
	tc.BackoffMin = 10 * time.Millisecond
	tc.BackoffMax = 50 * time.Millisecond

	s, err := session.New(session.Options{
		DBID:         name,
		Replica:      db,
		Room:         testRoom,
		Transport:    tc,
		PollInterval: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func waitValue(t *testing.T, db *replica.DB, table, pk, cid, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok, err := db.Get(context.Background(), table, pk, cid)
		return err == nil && ok && v == want
	}, 10*time.Second, 20*time.Millisecond, "%s/%s/%s never became %q", table, pk, cid, want)
}

func waitKind(t *testing.T, s *session.Session, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "event stream closed")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestSync_TwoClientsConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := openClient(t, "till-a")
	b := openClient(t, "till-b")
	_, err := a.Put(ctx, "items", "1", "name", "coffee")
	require.NoError(t, err)
	_, err = b.Put(ctx, "items", "2", "name", "tea")
	require.NoError(t, err)

	sa := startSession(t, f, "till-a", a)
	sb := startSession(t, f, "till-b", b)

	waitValue(t, b, "items", "1", "name", "coffee")
	waitValue(t, a, "items", "2", "name", "tea")

	// A later write propagates once streaming.
	_, err = a.Put(ctx, "items", "2", "name", "green tea")
	require.NoError(t, err)
	sa.Nudge()
	waitValue(t, b, "items", "2", "name", "green tea")

	require.Eventually(t, func() bool {
		return sa.Snapshot().Pending == 0 && sb.Snapshot().Pending == 0
	}, 10*time.Second, 20*time.Millisecond)

	h, err := f.provider.GetOrCreate(ctx, testRoom)
	require.NoError(t, err)
	seen, ok, err := a.LastSeen(ctx, h.DB.SiteID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Positive(t, seen)
	assert.Equal(t, 2, f.srv.ClientCount())
}

func TestSync_ServerRebuildIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := openClient(t, "till-a")
	_, err := a.Put(ctx, "items", "1", "name", "coffee")
	require.NoError(t, err)

	first := startSession(t, f, "till-a", a)
	h, err := f.provider.GetOrCreate(ctx, testRoom)
	require.NoError(t, err)
	waitValue(t, h.DB, "items", "1", "name", "coffee")

	// Receive something from the server so the client records its identity.
	other := openClient(t, "till-b")
	_, err = other.Put(ctx, "items", "3", "name", "cake")
	require.NoError(t, err)
	startSession(t, f, "till-b", other)
	waitValue(t, a, "items", "3", "name", "cake")
	first.Stop()

	// The server database is rebuilt from scratch: new identity.
	_, err = h.DB.Reset(ctx)
	require.NoError(t, err)

	second := startSession(t, f, "till-a", a)
	ev := waitKind(t, second, session.EventRejected)
	assert.ErrorIs(t, ev.Err, session.ErrPeerMismatch)
	assert.False(t, second.Snapshot().Compatible)
}

func TestSync_FreshClientAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seed := openClient(t, "seed")
	_, err := seed.Put(ctx, "items", "1", "name", "coffee")
	require.NoError(t, err)
	startSession(t, f, "seed", seed)

	// A wiped client has no history and gets everything from zero.
	fresh := openClient(t, "fresh")
	s := startSession(t, f, "fresh", fresh)
	waitValue(t, fresh, "items", "1", "name", "coffee")
	assert.True(t, s.Snapshot().Compatible)
}

func TestHandshake_RequiresAnnounce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, f.roomURL(t), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	data, err := protocol.Encode(testRoom, protocol.Changes{})
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))

	_, _, err = ws.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandshake_RejectsUnknownHistory(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, f.roomURL(t), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	data, err := protocol.Encode(testRoom, protocol.AnnouncePresence{
		SiteID:    replica.NewSiteID(),
		LastSeens: []replica.PeerVersion{{SiteID: replica.NewSiteID(), Version: 10}},
	})
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))

	_, reply, err := ws.Read(ctx)
	require.NoError(t, err)
	_, msg, err := protocol.Decode(reply)
	require.NoError(t, err)
	reset, ok := msg.(protocol.ResetStream)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, coherence.ReasonPeerMismatch, reset.Reason)

	_, _, err = ws.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandler_RoutesApplicationTraffic(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp2, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tillsync_")

	resp3, err := http.Get(f.http.URL + "/sync/store-7")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode, "missing schema")
}

func TestStop_RefusesNewSyncConnections(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Stop(ctx))

	ws, resp, err := websocket.Dial(ctx, f.roomURL(t), nil)
	if ws != nil {
		_ = ws.CloseNow()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, f.srv.ClientCount())
}

func TestParseRoom(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    protocol.Room
		wantErr bool
	}{
		{name: "full", raw: "/sync/shop-1?schema=pos&version=3", want: protocol.Room{ID: "shop-1", Schema: "pos", Version: 3}},
		{name: "version defaults to zero", raw: "/sync/shop-1?schema=pos", want: protocol.Room{ID: "shop-1", Schema: "pos"}},
		{name: "missing schema", raw: "/sync/shop-1", wantErr: true},
		{name: "nested path", raw: "/sync/a/b?schema=pos", wantErr: true},
		{name: "bad version", raw: "/sync/shop-1?schema=pos&version=x", wantErr: true},
		{name: "other prefix", raw: "/api/shop-1?schema=pos", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			got, err := ParseRoom("sync", u)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoomURL(t *testing.T) {
	got, err := RoomURL("https://sync.example.com/base/", "/sync/", testRoom)
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/base/sync/store-7?schema=pos&version=2", got)

	_, err = RoomURL("ftp://x", "/sync/", testRoom)
	assert.Error(t, err)
}

func TestIsSyncPath(t *testing.T) {
	assert.True(t, IsSyncPath("/sync", "/sync/room"))
	assert.False(t, IsSyncPath("/sync", "/sync/"))
	assert.False(t, IsSyncPath("/sync", "/health"))
	assert.Equal(t, "/", NormalizePrefix(""))
}

package coherence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/tillsync/internal/replica"
)

func TestCheck(t *testing.T) {
	self := replica.NewSiteID()
	peer := replica.NewSiteID()
	other := replica.NewSiteID()
	another := replica.NewSiteID()

	tests := []struct {
		name      string
		history   []replica.PeerVersion
		wantOK    bool
		wantSince int64
	}{
		{
			name:    "empty history is a fresh peer",
			history: nil,
			wantOK:  true,
		},
		{
			name:      "history names us",
			history:   []replica.PeerVersion{{SiteID: self, Version: 7}},
			wantOK:    true,
			wantSince: 7,
		},
		{
			name: "history names us among others",
			history: []replica.PeerVersion{
				{SiteID: other, Version: 3},
				{SiteID: self, Version: 12},
				{SiteID: another, Version: 1},
			},
			wantOK:    true,
			wantSince: 12,
		},
		{
			name:    "history names only other identities",
			history: []replica.PeerVersion{{SiteID: other, Version: 10}},
			wantOK:  false,
		},
		{
			name: "history names the peer itself but not us",
			history: []replica.PeerVersion{
				{SiteID: peer, Version: 2},
				{SiteID: other, Version: 5},
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(self, peer, tt.history)
			assert.Equal(t, tt.wantOK, got.OK)
			if tt.wantOK {
				assert.Empty(t, got.Reason)
				assert.Equal(t, tt.wantSince, got.Since)
			} else {
				assert.Equal(t, ReasonPeerMismatch, got.Reason)
			}
		})
	}
}

func TestCheck_EmptyHistoryAlwaysAllowed(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := Check(replica.NewSiteID(), replica.NewSiteID(), []replica.PeerVersion{})
		require.True(t, got.OK)
		require.True(t, got.Fresh)
	}
}

func TestCheck_OwnEntryWinsRegardlessOfOthers(t *testing.T) {
	self := replica.NewSiteID()
	for n := 0; n < 20; n++ {
		history := make([]replica.PeerVersion, 0, n+1)
		for i := 0; i < n; i++ {
			history = append(history, replica.PeerVersion{SiteID: replica.NewSiteID(), Version: int64(i)})
		}
		// Place our entry at every position.
		for pos := 0; pos <= n; pos++ {
			h := append([]replica.PeerVersion{}, history[:pos]...)
			h = append(h, replica.PeerVersion{SiteID: self, Version: 99})
			h = append(h, history[pos:]...)
			got := Check(self, replica.NewSiteID(), h)
			require.True(t, got.OK, "n=%d pos=%d", n, pos)
			require.Equal(t, int64(99), got.Since)
		}
	}
}

// A record we hold about the peer must not make us accept it.
func TestCheck_StaleLocalRecordDoesNotAccept(t *testing.T) {
	ctx := context.Background()
	server, err := replica.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	defer server.Close()

	client := replica.NewSiteID()
	require.NoError(t, server.RecordLastSeen(ctx, client, 42, 0))

	got := Check(server.SiteID(), client, []replica.PeerVersion{{SiteID: replica.NewSiteID(), Version: 10}})
	assert.False(t, got.OK)
	assert.Equal(t, ReasonPeerMismatch, got.Reason)
}

// Server wiped while the client kept its history, then the client wipes too.
func TestCheck_ServerRebuildScenario(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	server, err := replica.Open(filepath.Join(dir, "server.db"))
	require.NoError(t, err)
	defer server.Close()
	client, err := replica.Open(filepath.Join(dir, "client.db"))
	require.NoError(t, err)
	defer client.Close()

	s1 := server.SiteID()

	history, err := client.LastSeens(ctx)
	require.NoError(t, err)
	require.True(t, Check(s1, client.SiteID(), history).OK, "fresh client is allowed")

	require.NoError(t, client.RecordLastSeen(ctx, s1, 10, 0))

	s2, err := server.Reset(ctx)
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)

	history, err = client.LastSeens(ctx)
	require.NoError(t, err)
	require.Equal(t, []replica.PeerVersion{{SiteID: s1, Version: 10}}, history)

	got := Check(server.SiteID(), client.SiteID(), history)
	assert.False(t, got.OK)
	assert.Equal(t, ReasonPeerMismatch, got.Reason)

	_, err = client.Reset(ctx)
	require.NoError(t, err)
	history, err = client.LastSeens(ctx)
	require.NoError(t, err)
	assert.True(t, Check(server.SiteID(), client.SiteID(), history).OK, "wiped client is allowed again")
}

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mschirtzinger/tillsync/internal/replica"
)

var testRoom = Room{ID: "shop-1", Schema: "pos", Version: 3}

func TestEncodeDecode_Changes(t *testing.T) {
	sender := replica.NewSiteID()
	batch := replica.ChangeSet{
		Sender: sender,
		Since:  4,
		Until:  6,
		Seq:    2,
		Changes: []replica.Change{
			{Table: "books", PK: "isbn-1", CID: "title", Val: "Dune", ColVersion: 1, SiteID: sender, DBVersion: 5},
		},
	}

	data, err := Encode(testRoom, Changes{Batch: batch})
	require.NoError(t, err)

	frame, msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeChanges, frame.Type)
	require.NoError(t, CheckRoom(frame, testRoom))
	assert.Equal(t, testRoom, RoomOf(frame))

	got, ok := msg.(Changes)
	require.True(t, ok, "payload type %T", msg)
	assert.Equal(t, batch, got.Batch)
}

func TestEncode_Discriminants(t *testing.T) {
	site := replica.NewSiteID()
	tests := []struct {
		msg  any
		want MessageType
	}{
		{AnnouncePresence{SiteID: site}, TypeAnnouncePresence},
		{&StartStreaming{SinceVersion: 1, PeerSiteID: site}, TypeStartStreaming},
		{ChangesProcessed{Seq: 1, OK: true}, TypeChangesProcessed},
		{ResetStream{PeerSiteID: site, Reason: "peer_mismatch"}, TypeResetStream},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			data, err := Encode(testRoom, tt.msg)
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Equal(t, string(tt.want), raw["type"])
			assert.Equal(t, "shop-1", raw["room"])

			frame, _, err := Decode(data)
			require.NoError(t, err)
			assert.True(t, frame.Type.Valid())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"subscribe","room":"r"}`))
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, _, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, _, err = Decode([]byte(`{"type":"changes","data":{"batch":"oops"}}`))
	assert.Error(t, err)

	_, err = Encode(testRoom, "hello")
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestCheckRoom_Mismatch(t *testing.T) {
	data, err := Encode(Room{ID: "shop-1", Schema: "pos", Version: 2}, ChangesProcessed{OK: true})
	require.NoError(t, err)
	frame, _, err := Decode(data)
	require.NoError(t, err)

	err = CheckRoom(frame, testRoom)
	assert.True(t, errors.Is(err, ErrRoomMismatch))
}

func TestRoomValidate(t *testing.T) {
	assert.NoError(t, testRoom.Validate())
	assert.Error(t, Room{Schema: "pos"}.Validate())
	assert.Error(t, Room{ID: "r"}.Validate())
	assert.Error(t, Room{ID: "r", Schema: "s", Version: -1}.Validate())
	assert.Equal(t, "shop-1/pos@v3", testRoom.String())
}

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine()
	steps := []State{
		StateConnecting,
		StateAwaitingCoherence,
		StateStreaming,
		StateDisconnected,
		StateAwaitingCoherence,
		StateStreaming,
		StateDraining,
		StateIdle,
	}
	for _, s := range steps {
		_, err := m.Transition(s)
		require.NoError(t, err, "-> %s", s)
	}
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_Invalid(t *testing.T) {
	tests := []struct {
		from, to State
	}{
		{StateIdle, StateStreaming},
		{StateIdle, StateDisconnected},
		{StateConnecting, StateStreaming},
		{StateAwaitingCoherence, StateDraining},
		{StateDraining, StateStreaming},
		{StateDisconnected, StateStreaming},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.False(t, CanTransition(tt.from, tt.to))
		})
	}

	m := NewMachine()
	_, err := m.Transition(StateStreaming)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_AnyToIdleAndSelf(t *testing.T) {
	for _, s := range []State{StateConnecting, StateAwaitingCoherence, StateStreaming, StateDraining, StateDisconnected} {
		assert.True(t, CanTransition(s, StateIdle), s.String())
		assert.True(t, CanTransition(s, StateDisconnected), s.String())
	}

	m := NewMachine()
	prev, err := m.Transition(StateIdle)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, prev)
}

// Package protocol defines the frames exchanged on a sync channel, their JSON
// codec and the session state machine.
//
// Every frame is one websocket text message:
//
//	{"type":"changes","room":"shop-1","schema":"pos","schemaVersion":3,"data":{...}}
//
// A session runs:
//
//	client                                  room server
//	  ── announce_presence{site, lastSeens} ──▶  coherence check
//	  ◀── start_streaming{since, peer} ───────   (or reset_stream{peer_mismatch})
//	  ◀──────────── changes{batch} ──────────▶
//	  ◀────── changes_processed{seq, ok} ────▶
//
// Acks are only sent after the receiving side has committed the batch.
// A changes_processed with ok=false is never retried automatically.
package protocol

import (
	"encoding/json"

	"github.com/Mschirtzinger/tillsync/internal/replica"
)

// MessageType is the frame discriminant.
type MessageType string

const (
	// TypeAnnouncePresence opens every connection; it carries the sender's
	// identity and sync history, the inputs of the coherence check.
	TypeAnnouncePresence MessageType = "announce_presence"

	// TypeStartStreaming asks the peer to stream changes after SinceVersion.
	TypeStartStreaming MessageType = "start_streaming"

	// TypeChanges carries one change set.
	TypeChanges MessageType = "changes"

	// TypeChangesProcessed acknowledges one change set.
	TypeChangesProcessed MessageType = "changes_processed"

	// TypeResetStream renegotiates the exchange point, or reports a
	// coherence rejection when Reason is set.
	TypeResetStream MessageType = "reset_stream"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeAnnouncePresence, TypeStartStreaming, TypeChanges, TypeChangesProcessed, TypeResetStream:
		return true
	default:
		return false
	}
}

// Frame is the wire envelope.
type Frame struct {
	Type          MessageType     `json:"type"`
	Room          string          `json:"room"`
	Schema        string          `json:"schema"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// AnnouncePresence is the handshake hello.
type AnnouncePresence struct {
	SiteID    replica.SiteID        `json:"siteId"`
	LastSeens []replica.PeerVersion `json:"lastSeens"`
}

// StartStreaming tells the receiver who the sender is and where to stream from.
type StartStreaming struct {
	SinceVersion int64          `json:"sinceVersion"`
	PeerSiteID   replica.SiteID `json:"peerSiteId"`
}

// Changes wraps one change set.
type Changes struct {
	Batch replica.ChangeSet `json:"batch"`
}

// ChangesProcessed acknowledges the batch numbered Seq.
type ChangesProcessed struct {
	Seq   uint64 `json:"seq"`
	Until int64  `json:"until"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ResetStream moves the exchange point to SinceVersion. A non-empty Reason
// means the sender refused the session.
type ResetStream struct {
	SinceVersion int64          `json:"sinceVersion"`
	PeerSiteID   replica.SiteID `json:"peerSiteId"`
	Reason       string         `json:"reason,omitempty"`
}

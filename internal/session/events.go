package session

import (
	"time"

	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/replica"
	"github.com/Mschirtzinger/tillsync/internal/transport"
)

// EventKind tags a session event.
type EventKind int

const (
	// EventStateChanged reports a protocol state change.
	EventStateChanged EventKind = iota
	// EventConnectivity reports a transport state change.
	EventConnectivity
	// EventApplied reports an inbound change set committed locally.
	EventApplied
	// EventAcked reports the peer committed one of our change sets.
	EventAcked
	// EventApplyRejected reports the peer failed to apply one of our change
	// sets. The session stops pushing until it is restarted.
	EventApplyRejected
	// EventRejected reports that the peer refused the session (peer mismatch).
	EventRejected
	// EventError reports a recoverable fault: a bad frame, a local apply
	// failure, a replica read error.
	EventError
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventConnectivity:
		return "connectivity"
	case EventApplied:
		return "applied"
	case EventAcked:
		return "acked"
	case EventApplyRejected:
		return "apply_rejected"
	case EventRejected:
		return "rejected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one entry of a session's event stream. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind       EventKind
	DBID       string
	Generation uint64
	At         time.Time

	State     protocol.State
	Transport transport.State

	Seq     uint64
	Applied int
	Skipped int
	Pending int

	Err error
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	DBID       string
	Room       protocol.Room
	SiteID     replica.SiteID
	PeerSiteID replica.SiteID

	State          protocol.State
	Transport      transport.State
	TransportSince time.Time

	Generation uint64
	Pending    int
	LastAckAt  time.Time
	Compatible bool
	Halted     bool
	LastError  string
}

// Connected reports whether the transport is up.
func (s Snapshot) Connected() bool {
	return s.Transport == transport.StateConnected || s.Transport == transport.StateStuck
}

// Streaming reports whether the session is exchanging changes.
func (s Snapshot) Streaming() bool {
	return s.State == protocol.StateStreaming
}

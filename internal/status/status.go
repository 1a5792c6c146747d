// Package status derives the small sync summary shown to users from a
// session snapshot.
package status

import (
	"time"

	"github.com/Mschirtzinger/tillsync/internal/session"
)

// DefaultDebounce is how long the transport must stay down before the
// summary reports disconnected.
const DefaultDebounce = 750 * time.Millisecond

// Status is the headline sync status.
type Status string

const (
	StatusSynced       Status = "synced"
	StatusSyncing      Status = "syncing"
	StatusDisconnected Status = "disconnected"
)

// Summary is what a UI displays for one database.
type Summary struct {
	Status       Status    `json:"status"`
	PendingCount int       `json:"pendingCount"`
	LastAckAt    time.Time `json:"lastAckAt,omitempty"`
	Compatible   bool      `json:"compatible"`
	Error        string    `json:"error,omitempty"`
}

// Projector turns a sequence of snapshots into summaries. A short transport
// drop does not flash disconnected: until the outage has lasted Debounce
// the previous status is held.
//
// A Projector is not safe for concurrent use.
type Projector struct {
	Debounce time.Duration

	last      Status
	downSince time.Time
}

// NewProjector returns a projector with the given debounce, or the default
// when debounce is not positive.
func NewProjector(debounce time.Duration) *Projector {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Projector{Debounce: debounce}
}

// Observe projects snap as of now.
func (p *Projector) Observe(snap session.Snapshot, now time.Time) Summary {
	sum := Summary{
		PendingCount: snap.Pending,
		LastAckAt:    snap.LastAckAt,
		Compatible:   snap.Compatible,
		Error:        snap.LastError,
	}

	switch {
	case !snap.Compatible:
		// A rejected session will not reconnect; there is nothing to debounce.
		p.downSince = time.Time{}
		sum.Status = StatusDisconnected
	case snap.Connected():
		p.downSince = time.Time{}
		if snap.Streaming() && snap.Pending == 0 {
			sum.Status = StatusSynced
		} else {
			sum.Status = StatusSyncing
		}
	default:
		// The outage started when the transport left connected, which may be
		// well before the first snapshot this projector sees of it.
		since := now
		if t := snap.TransportSince; !t.IsZero() && t.Before(now) {
			since = t
		}
		if p.downSince.IsZero() || since.Before(p.downSince) {
			p.downSince = since
		}
		switch {
		case now.Sub(p.downSince) >= p.Debounce:
			sum.Status = StatusDisconnected
		case p.last != "":
			sum.Status = p.last
		default:
			sum.Status = StatusSyncing
		}
	}

	p.last = sum.Status
	return sum
}

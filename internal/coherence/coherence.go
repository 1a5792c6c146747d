// Package coherence decides, at session establishment, whether a connecting
// peer's sync history is compatible with this replica's current identity.
//
// Either side of a sync channel can be rebuilt from scratch (local storage
// wiped, server database recreated). A rebuilt replica gets a new SiteID, so
// a peer still holding history anchored to the old SiteID would otherwise
// stream changes against a cursor that no longer means anything.
//
// The rule:
//
//  1. The peer has no history: it is fresh. Allow.
//  2. The peer's history contains our current SiteID: it knows us. Allow.
//  3. Otherwise: reject with peer_mismatch.
//
// Only the peer's claim about our current identity counts. Whatever we have
// recorded about the peer is deliberately not an input.
package coherence

import "github.com/Mschirtzinger/tillsync/internal/replica"

// ReasonPeerMismatch is the rejection reason sent on the wire.
const ReasonPeerMismatch = "peer_mismatch"

// Result is the outcome of Check.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`

	// Since is the version the peer last saw from us (0 for fresh peers).
	Since int64 `json:"-"`
	// Fresh is set when the peer presented no history at all.
	Fresh bool `json:"-"`
}

// Check runs the coherence decision for a peer presenting history.
func Check(self, peer replica.SiteID, history []replica.PeerVersion) Result {
	if len(history) == 0 {
		return Result{OK: true, Fresh: true}
	}

	for _, pv := range history {
		if pv.SiteID == self {
			return Result{OK: true, Since: pv.Version}
		}
	}

	return Result{OK: false, Reason: ReasonPeerMismatch}
}

package replica

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SiteIDLen is the length in bytes of a SiteID.
const SiteIDLen = 16

// SiteID uniquely names one replica (client or server).
//
// It is created once when a replica is first initialized and regenerated
// only when the replica is recreated from scratch (see DB.Reset).
type SiteID [SiteIDLen]byte

// NewSiteID returns a random SiteID.
func NewSiteID() SiteID {
	return SiteID(uuid.New())
}

// ParseSiteID parses the hex form produced by SiteID.String.
func ParseSiteID(s string) (SiteID, error) {
	var id SiteID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid site id %q: %w", s, err)
	}
	if len(b) != SiteIDLen {
		return id, fmt.Errorf("invalid site id %q: want %d bytes, got %d", s, SiteIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// siteIDFromBytes converts a column value into a SiteID.
func siteIDFromBytes(b []byte) (SiteID, error) {
	var id SiteID
	if len(b) != SiteIDLen {
		return id, fmt.Errorf("invalid site id: want %d bytes, got %d", SiteIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex form.
func (s SiteID) String() string {
	return hex.EncodeToString(s[:])
}

// Short returns the first 8 hex characters, for logs and terminal output.
func (s SiteID) Short() string {
	return s.String()[:8]
}

// IsZero reports whether s is the zero SiteID.
func (s SiteID) IsZero() bool {
	return s == SiteID{}
}

// MarshalText implements encoding.TextMarshaler.
func (s SiteID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SiteID) UnmarshalText(text []byte) error {
	id, err := ParseSiteID(string(text))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// PeerVersion is one LastSeenRecord: the highest change-set version a peer
// has delivered to this replica.
type PeerVersion struct {
	SiteID  SiteID `json:"siteId"`
	Version int64  `json:"version"`
	Flags   int64  `json:"flags,omitempty"`
}

// Change is a single cell mutation.
type Change struct {
	Table      string `json:"table"`
	PK         string `json:"pk"`
	CID        string `json:"cid"`
	Val        string `json:"val"`
	ColVersion int64  `json:"colVersion"`
	// SiteID is the replica the change originated on.
	SiteID SiteID `json:"siteId"`
	// DBVersion is the sender's local version for this change.
	DBVersion int64 `json:"dbVersion"`

	CreatedAt time.Time `json:"-"`
}

// ChangeSet is an ordered batch of changes produced by one replica.
type ChangeSet struct {
	Sender SiteID `json:"sender"`
	// Since is the exclusive lower bound the batch was produced from.
	Since int64 `json:"since"`
	// Until is the sender's highest db version covered by the batch.
	Until int64 `json:"until"`
	// Seq numbers batches on one connection for ack matching.
	Seq     uint64   `json:"seq"`
	Changes []Change `json:"changes"`
}

// Empty reports whether the batch carries no changes.
func (cs ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// ApplyResult summarizes an ApplyChangeSet call.
type ApplyResult struct {
	Applied int
	Skipped int
}

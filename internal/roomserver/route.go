package roomserver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Mschirtzinger/tillsync/internal/protocol"
)

// DefaultPathPrefix selects sync traffic from application traffic.
const DefaultPathPrefix = "/sync/"

// NormalizePrefix returns prefix with exactly one leading and one trailing
// slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "/"
	}
	return "/" + prefix + "/"
}

// IsSyncPath reports whether path is sync traffic under prefix.
func IsSyncPath(prefix, path string) bool {
	prefix = NormalizePrefix(prefix)
	return strings.HasPrefix(path, prefix) && len(path) > len(prefix)
}

// ParseRoom extracts the room addressed by a sync request:
// <prefix><room>?schema=<name>&version=<n>.
func ParseRoom(prefix string, u *url.URL) (protocol.Room, error) {
	var room protocol.Room
	prefix = NormalizePrefix(prefix)
	if !strings.HasPrefix(u.Path, prefix) {
		return room, fmt.Errorf("path %q is not under %q", u.Path, prefix)
	}

	id := strings.TrimPrefix(u.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return room, fmt.Errorf("invalid room in path %q", u.Path)
	}
	room.ID = id

	q := u.Query()
	room.Schema = q.Get("schema")
	if v := q.Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return room, fmt.Errorf("invalid schema version %q: %w", v, err)
		}
		room.Version = n
	}
	return room, room.Validate()
}

// RoomURL builds the sync URL for room on endpoint. An http(s) endpoint is
// turned into ws(s).
func RoomURL(endpoint, prefix string, room protocol.Room) (string, error) {
	if err := room.Validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + NormalizePrefix(prefix) + room.ID
	q := url.Values{}
	q.Set("schema", room.Schema)
	q.Set("version", strconv.Itoa(room.Version))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

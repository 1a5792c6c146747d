package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when a frame carries an unknown discriminant.
	ErrUnknownType = errors.New("unknown message type")

	// ErrRoomMismatch is returned when a frame is addressed to another room.
	ErrRoomMismatch = errors.New("frame addressed to a different room")
)

// Room identifies a sync namespace: one remote database per
// (room id, schema name, schema version).
type Room struct {
	ID      string `json:"room" mapstructure:"room" toml:"room" yaml:"room"`
	Schema  string `json:"schema" mapstructure:"schema" toml:"schema" yaml:"schema"`
	Version int    `json:"version" mapstructure:"version" toml:"version" yaml:"version"`
}

// String returns room/schema@vN.
func (r Room) String() string {
	return fmt.Sprintf("%s/%s@v%d", r.ID, r.Schema, r.Version)
}

// Validate checks that every part of the room identity is set.
func (r Room) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("room id is required")
	}
	if r.Schema == "" {
		return fmt.Errorf("schema name is required")
	}
	if r.Version < 0 {
		return fmt.Errorf("schema version must not be negative (got %d)", r.Version)
	}
	return nil
}

// Encode wraps msg in a frame addressed to room.
func Encode(room Room, msg any) ([]byte, error) {
	typ, err := typeOf(msg)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", typ, err)
	}

	frame := Frame{
		Type:          typ,
		Room:          room.ID,
		Schema:        room.Schema,
		SchemaVersion: room.Version,
		Data:          data,
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return out, nil
}

// Decode parses a frame and its typed payload. The payload is one of
// AnnouncePresence, StartStreaming, Changes, ChangesProcessed, ResetStream.
func Decode(data []byte) (Frame, any, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, nil, fmt.Errorf("failed to parse frame: %w", err)
	}

	var msg any
	switch frame.Type {
	case TypeAnnouncePresence:
		msg = &AnnouncePresence{}
	case TypeStartStreaming:
		msg = &StartStreaming{}
	case TypeChanges:
		msg = &Changes{}
	case TypeChangesProcessed:
		msg = &ChangesProcessed{}
	case TypeResetStream:
		msg = &ResetStream{}
	default:
		return frame, nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}

	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, msg); err != nil {
			return frame, nil, fmt.Errorf("failed to parse %s payload: %w", frame.Type, err)
		}
	}
	return frame, deref(msg), nil
}

// CheckRoom verifies that f is addressed to room.
func CheckRoom(f Frame, room Room) error {
	if f.Room != room.ID || f.Schema != room.Schema || f.SchemaVersion != room.Version {
		return fmt.Errorf("%w: got %s/%s@v%d, want %s",
			ErrRoomMismatch, f.Room, f.Schema, f.SchemaVersion, room)
	}
	return nil
}

// RoomOf returns the room a frame is addressed to.
func RoomOf(f Frame) Room {
	return Room{ID: f.Room, Schema: f.Schema, Version: f.SchemaVersion}
}

func typeOf(msg any) (MessageType, error) {
	switch msg.(type) {
	case AnnouncePresence, *AnnouncePresence:
		return TypeAnnouncePresence, nil
	case StartStreaming, *StartStreaming:
		return TypeStartStreaming, nil
	case Changes, *Changes:
		return TypeChanges, nil
	case ChangesProcessed, *ChangesProcessed:
		return TypeChangesProcessed, nil
	case ResetStream, *ResetStream:
		return TypeResetStream, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
}

func deref(msg any) any {
	switch m := msg.(type) {
	case *AnnouncePresence:
		return *m
	case *StartStreaming:
		return *m
	case *Changes:
		return *m
	case *ChangesProcessed:
		return *m
	case *ResetStream:
		return *m
	default:
		return msg
	}
}

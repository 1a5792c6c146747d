// Package rooms resolves human-facing database names to the room they sync
// with.
//
// The registry is a TOML or YAML file:
//
//	[[database]]
//	name    = "front-till"
//	room    = "store-42"
//	schema  = "pos"
//	version = 3
package rooms

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/tillsync/internal/protocol"
)

// ErrUnknownDatabase is returned by Resolve for a name not in the registry.
var ErrUnknownDatabase = errors.New("unknown database")

// Database is one registry entry.
type Database struct {
	Name    string `toml:"name" yaml:"name"`
	Room    string `toml:"room" yaml:"room"`
	Schema  string `toml:"schema" yaml:"schema"`
	Version int    `toml:"version" yaml:"version"`
}

// Key returns the room identity of the entry.
func (d Database) Key() protocol.Room {
	return protocol.Room{ID: d.Room, Schema: d.Schema, Version: d.Version}
}

type file struct {
	Databases []Database `toml:"database" yaml:"database"`
}

// Registry maps database names to rooms.
type Registry struct {
	byName map[string]protocol.Room
}

// New builds a registry from entries, rejecting duplicates and invalid rooms.
func New(entries []Database) (*Registry, error) {
	r := &Registry{byName: make(map[string]protocol.Room, len(entries))}
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("database #%d: name is required", i+1)
		}
		room := e.Key()
		if err := room.Validate(); err != nil {
			return nil, fmt.Errorf("database %q: %w", e.Name, err)
		}
		if _, dup := r.byName[e.Name]; dup {
			return nil, fmt.Errorf("database %q listed twice", e.Name)
		}
		r.byName[e.Name] = room
	}
	return r, nil
}

// Load reads a registry file. The format follows the extension: .toml, or
// .yaml/.yml.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rooms file: %w", err)
	}

	var f file
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported rooms file format %q", ext)
	}
	return New(f.Databases)
}

// Resolve returns the room for name.
func (r *Registry) Resolve(name string) (protocol.Room, error) {
	room, ok := r.byName[name]
	if !ok {
		return protocol.Room{}, fmt.Errorf("%w: %q", ErrUnknownDatabase, name)
	}
	return room, nil
}

// Names returns every registered database name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

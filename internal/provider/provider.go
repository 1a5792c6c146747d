// Package provider obtains and memoizes the room database handles used by
// the room server.
//
// Handles are keyed by (room, schema, schema version). Concurrent callers for
// the same key share one in-progress creation; a failed creation is
// reported to every waiter and forgotten, so the next call retries.
// Handles live for the life of the process; there is no eviction.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/replica"
)

// ErrClosed is returned by GetOrCreate after Close.
var ErrClosed = errors.New("provider closed")

// Key identifies a room database.
type Key = protocol.Room

// Opener creates the replica backing key.
type Opener func(ctx context.Context, key Key) (*replica.DB, error)

// Handle is a shared room database plus a change broadcaster used to wake
// every connection of the room after a write.
type Handle struct {
	Key Key
	DB  *replica.DB

	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

func newHandle(key Key, db *replica.DB) *Handle {
	return &Handle{Key: key, DB: db, subs: make(map[int]chan struct{})}
}

// Subscribe returns a channel that receives a signal after every Notify,
// and a function to unsubscribe. Signals coalesce.
func (h *Handle) Subscribe() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan struct{}, 1)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Notify wakes every subscriber.
func (h *Handle) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Handle) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Provider memoizes room handles.
type Provider struct {
	open    Opener
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	handles map[Key]*Handle
	closed  bool

	group singleflight.Group
}

// New creates a Provider using open to create room databases.
func New(open Opener, logger *zap.Logger, m *metrics.Metrics) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Provider{
		open:    open,
		logger:  logger,
		metrics: m,
		handles: make(map[Key]*Handle),
	}
}

// DirOpener stores room databases at <dir>/<room>/<schema>-v<version>.db.
func DirOpener(dir string) Opener {
	return func(ctx context.Context, key Key) (*replica.DB, error) {
		if err := key.Validate(); err != nil {
			return nil, err
		}
		if !safeName(key.ID) || !safeName(key.Schema) {
			return nil, fmt.Errorf("invalid room identity %s", key)
		}
		path := filepath.Join(dir, key.ID, key.Schema+"-v"+strconv.Itoa(key.Version)+".db")
		return replica.OpenContext(ctx, path)
	}
}

// GetOrCreate returns the handle for key, creating it on first use.
func (p *Provider) GetOrCreate(ctx context.Context, key Key) (*Handle, error) {
	if h, err := p.lookup(key); h != nil || err != nil {
		return h, err
	}

	v, err, shared := p.group.Do(key.String(), func() (any, error) {
		// A caller that lost the race to an earlier, finished flight lands here.
		if h, err := p.lookup(key); h != nil || err != nil {
			return h, err
		}

		db, err := p.open(ctx, key)
		if err != nil {
			p.metrics.RoomOpenFailures.Inc()
			return nil, fmt.Errorf("failed to open room %s: %w", key, err)
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = db.Close()
			return nil, ErrClosed
		}
		h := newHandle(key, db)
		p.handles[key] = h
		p.metrics.RoomHandlesOpen.Set(float64(len(p.handles)))
		p.logger.Info("opened room database",
			zap.Stringer("room", key),
			zap.String("path", db.Path()),
			zap.String("site", db.SiteID().Short()))
		return h, nil
	})
	if err != nil {
		if shared {
			p.logger.Debug("shared room creation failed", zap.Stringer("room", key), zap.Error(err))
		}
		return nil, err
	}
	return v.(*Handle), nil
}

func (p *Provider) lookup(key Key) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.handles[key], nil
}

// Len returns the number of open handles.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close closes every handle. Later GetOrCreate calls fail with ErrClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for key, h := range p.handles {
		if err := h.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", key, err))
		}
	}
	p.handles = nil
	p.metrics.RoomHandlesOpen.Set(0)
	return errors.Join(errs...)
}

// safeName rejects names that could escape the rooms directory.
func safeName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == 0 {
			return false
		}
	}
	return true
}

// Package service hosts sync sessions on behalf of callers such as the CLI
// or a UI.
//
// A Host is an actor: one goroutine owns the map of active sessions and
// handles requests one at a time. Callers talk to it through request and
// reply messages, so cancelling a caller's context only abandons the wait
// for a reply; it never interrupts work the host or a session is doing.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/session"
)

// ErrHostClosed is returned for requests made after Shutdown.
var ErrHostClosed = errors.New("sync host closed")

// Endpoint says where and what a database syncs with.
type Endpoint struct {
	URL  string
	Room protocol.Room
}

// Runner is a running sync session.
type Runner interface {
	Start(ctx context.Context)
	Stop()
	Nudge()
	Events() <-chan session.Event
	Snapshot() session.Snapshot
}

// Factory builds the session for a database id.
type Factory func(dbID string, ep Endpoint) (Runner, error)

type op int

const (
	opStart op = iota
	opStop
	opStatus
	opNudge
	opList
	opShutdown
)

type request struct {
	op    op
	dbID  string
	ep    Endpoint
	reply chan reply
}

type reply struct {
	snap session.Snapshot
	ok   bool
	ids  []string
	err  error
}

type entry struct {
	runner Runner
	ep     Endpoint
	refs   int
}

// Host owns the active sessions, at most one per database id.
type Host struct {
	factory Factory
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	requests chan request
	events   chan session.Event
	done     chan struct{}

	// Owned by the loop goroutine.
	sessions map[string]*entry
}

// New starts a host.
func New(factory Factory, logger *zap.Logger, m *metrics.Metrics) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		factory:  factory,
		logger:   logger.Named("host"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request),
		events:   make(chan session.Event, 256),
		done:     make(chan struct{}),
		sessions: make(map[string]*entry),
	}
	go h.loop()
	return h
}

// Events returns the events of every hosted session, in per-session order.
// Events are dropped when the reader falls behind.
func (h *Host) Events() <-chan session.Event {
	return h.events
}

// StartSync starts syncing dbID. If dbID is already syncing the call only
// adds a reference; no second session is created.
func (h *Host) StartSync(ctx context.Context, dbID string, ep Endpoint) error {
	if dbID == "" {
		return fmt.Errorf("database id is required")
	}
	r, err := h.call(ctx, request{op: opStart, dbID: dbID, ep: ep})
	if err != nil {
		return err
	}
	return r.err
}

// StopSync drops one reference to dbID and stops its session when none
// remain. Stopping an id that is not syncing does nothing.
func (h *Host) StopSync(ctx context.Context, dbID string) error {
	r, err := h.call(ctx, request{op: opStop, dbID: dbID})
	if err != nil {
		return err
	}
	return r.err
}

// Status returns the snapshot of dbID's session, if one is active.
func (h *Host) Status(ctx context.Context, dbID string) (session.Snapshot, bool, error) {
	r, err := h.call(ctx, request{op: opStatus, dbID: dbID})
	if err != nil {
		return session.Snapshot{}, false, err
	}
	return r.snap, r.ok, nil
}

// Nudge tells dbID's session that local changes may be waiting.
func (h *Host) Nudge(ctx context.Context, dbID string) error {
	_, err := h.call(ctx, request{op: opNudge, dbID: dbID})
	return err
}

// Active returns the ids of every active session, sorted.
func (h *Host) Active(ctx context.Context) ([]string, error) {
	r, err := h.call(ctx, request{op: opList})
	if err != nil {
		return nil, err
	}
	return r.ids, nil
}

// Shutdown stops every session and the host itself.
func (h *Host) Shutdown(ctx context.Context) error {
	_, err := h.call(ctx, request{op: opShutdown})
	if errors.Is(err, ErrHostClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) call(ctx context.Context, req request) (reply, error) {
	if err := ctx.Err(); err != nil {
		return reply{}, err
	}
	req.reply = make(chan reply, 1)
	select {
	case h.requests <- req:
	case <-h.done:
		return reply{}, ErrHostClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (h *Host) loop() {
	defer close(h.done)
	defer h.cancel()

	for req := range h.requests {
		switch req.op {
		case opStart:
			req.reply <- reply{err: h.start(req.dbID, req.ep)}
		case opStop:
			h.stop(req.dbID)
			req.reply <- reply{}
		case opStatus:
			var r reply
			if e, ok := h.sessions[req.dbID]; ok {
				r.snap, r.ok = e.runner.Snapshot(), true
			}
			req.reply <- r
		case opNudge:
			if e, ok := h.sessions[req.dbID]; ok {
				e.runner.Nudge()
			}
			req.reply <- reply{}
		case opList:
			ids := make([]string, 0, len(h.sessions))
			for id := range h.sessions {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			req.reply <- reply{ids: ids}
		case opShutdown:
			for id, e := range h.sessions {
				e.runner.Stop()
				delete(h.sessions, id)
			}
			h.metrics.ActiveSessions.Set(0)
			h.logger.Info("host shut down")
			req.reply <- reply{}
			return
		}
	}
}

func (h *Host) start(dbID string, ep Endpoint) error {
	if e, ok := h.sessions[dbID]; ok {
		e.refs++
		if e.ep != ep {
			h.logger.Warn("already syncing with a different endpoint, keeping the running session",
				zap.String("db", dbID),
				zap.String("running", e.ep.URL),
				zap.String("requested", ep.URL))
		}
		h.logger.Info("already syncing", zap.String("db", dbID), zap.Int("refs", e.refs))
		return nil
	}

	r, err := h.factory(dbID, ep)
	if err != nil {
		return fmt.Errorf("failed to create session for %s: %w", dbID, err)
	}
	h.sessions[dbID] = &entry{runner: r, ep: ep, refs: 1}
	h.metrics.ActiveSessions.Set(float64(len(h.sessions)))

	go h.forward(r)
	r.Start(h.ctx)
	h.logger.Info("sync started", zap.String("db", dbID), zap.Stringer("room", ep.Room))
	return nil
}

func (h *Host) stop(dbID string) {
	e, ok := h.sessions[dbID]
	if !ok {
		h.logger.Debug("stop for a database that is not syncing", zap.String("db", dbID))
		return
	}
	e.refs--
	if e.refs > 0 {
		h.logger.Debug("sync still referenced", zap.String("db", dbID), zap.Int("refs", e.refs))
		return
	}

	delete(h.sessions, dbID)
	e.runner.Stop()
	h.metrics.ActiveSessions.Set(float64(len(h.sessions)))
	h.logger.Info("sync stopped", zap.String("db", dbID))
}

// forward copies one session's events onto the host stream until the
// session closes it.
func (h *Host) forward(r Runner) {
	for ev := range r.Events() {
		select {
		case h.events <- ev:
		default:
			h.logger.Debug("host event dropped", zap.String("db", ev.DBID), zap.Stringer("kind", ev.Kind))
		}
	}
}

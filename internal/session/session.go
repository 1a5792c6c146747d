// Package session drives one sync session: a local replica bound to one
// remote room over a reconnecting transport.
//
// All protocol handling happens on the session's own goroutine, one message
// at a time. Inbound change sets are applied strictly in receive order and
// acknowledged only after they commit. Every reset or stop bumps the
// session generation; an apply that completes under an older generation is
// discarded without an ack.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/coherence"
	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/replica"
	"github.com/Mschirtzinger/tillsync/internal/transport"
)

var (
	// ErrPeerMismatch is reported when the peer's coherence check refused us.
	ErrPeerMismatch = errors.New("peer mismatch: sync history does not match the peer's identity")

	// ErrApplyRejected is reported when the peer failed to apply a change set.
	ErrApplyRejected = errors.New("peer rejected change set")
)

// Replica is the local database a session syncs.
type Replica interface {
	SiteID() replica.SiteID
	LastSeens(ctx context.Context) ([]replica.PeerVersion, error)
	LastSeen(ctx context.Context, peer replica.SiteID) (int64, bool, error)
	ApplyChangeSet(ctx context.Context, cs replica.ChangeSet) (replica.ApplyResult, error)
	ChangesSince(ctx context.Context, since int64, exclude replica.SiteID, limit int) (replica.ChangeSet, error)
}

// Options configures a Session.
type Options struct {
	// DBID names the local database.
	DBID    string
	Replica Replica
	Room    protocol.Room

	// Transport is used as is except for Hello, which the session owns.
	Transport transport.Config

	BatchSize    int
	MaxInFlight  int
	PollInterval time.Duration
	DrainTimeout time.Duration
	ApplyTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop()
	}
}

type applyResult struct {
	generation uint64
	batch      replica.ChangeSet
	result     replica.ApplyResult
	err        error
	took       time.Duration
}

// Session syncs one local database with one room.
type Session struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	machine *protocol.Machine

	events  chan Event
	nudge   chan struct{}
	stop    chan struct{}
	done    chan struct{}
	applied chan applyResult

	// applyCtx bounds in-flight applies; cancelled on shutdown.
	applyCtx    context.Context
	applyCancel context.CancelFunc
	applyWG     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// Owned by the run goroutine.
	conn       *transport.Conn
	connEvents <-chan transport.Event
	messages   <-chan transport.Message
	epoch      uint64
	generation uint64
	peer       replica.SiteID
	cursor     int64
	seq        uint64
	pending    map[uint64]int64
	queue      []replica.ChangeSet
	applying   bool
	halted     bool
	rejected   bool

	mu   sync.Mutex
	snap Snapshot
}

// New creates a session. Call Start to begin syncing.
func New(opts Options) (*Session, error) {
	if opts.DBID == "" {
		return nil, fmt.Errorf("database id is required")
	}
	if opts.Replica == nil {
		return nil, fmt.Errorf("replica is required")
	}
	if err := opts.Room.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport.URL == "" {
		return nil, fmt.Errorf("endpoint url is required")
	}
	opts.applyDefaults()

	logger := opts.Logger.Named("session").With(
		zap.String("db", opts.DBID),
		zap.Stringer("room", opts.Room))

	applyCtx, applyCancel := context.WithCancel(context.Background())
	return &Session{
		opts:        opts,
		logger:      logger,
		metrics:     opts.Metrics,
		machine:     protocol.NewMachine(),
		events:      make(chan Event, 64),
		nudge:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		applied:     make(chan applyResult, 1),
		applyCtx:    applyCtx,
		applyCancel: applyCancel,
		pending:     make(map[uint64]int64),
		snap: Snapshot{
			DBID:       opts.DBID,
			Room:       opts.Room,
			SiteID:     opts.Replica.SiteID(),
			State:      protocol.StateIdle,
			Transport:  transport.StateDisconnected,
			Compatible: true,
		},
	}, nil
}

// DBID returns the local database id.
func (s *Session) DBID() string {
	return s.opts.DBID
}

// Events returns the session's event stream, closed when the session stops.
// Events are dropped when the reader falls behind; Snapshot is always current.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start begins syncing in the background. ctx bounds the session lifetime;
// cancelling it is equivalent to Stop.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Nudge tells the session local changes may be waiting.
func (s *Session) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Stop ends the session and waits for it to finish, including the drain
// period when one is configured and any apply still running.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() {
		s.applyCancel()
		close(s.done)
		close(s.events)
	})
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.applyWG.Wait()

	s.transition(protocol.StateConnecting)

	cfg := s.opts.Transport
	cfg.Hello = s.hello
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = s.metrics
	}
	s.conn = transport.Dial(context.Background(), cfg)
	s.connEvents = s.conn.Events()
	s.messages = s.conn.Messages()

	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.stop:
			s.shutdown()
			return
		case ev, ok := <-s.connEvents:
			if !ok {
				s.connEvents = nil
				continue
			}
			s.onTransport(ev)
		case msg, ok := <-s.messages:
			if !ok {
				s.messages = nil
				continue
			}
			s.onMessage(msg)
		case r := <-s.applied:
			s.onApplied(r)
		case <-s.nudge:
			s.push()
		case <-poll.C:
			s.push()
		}
	}
}

// hello builds the announce frame; it runs on the transport goroutine.
func (s *Session) hello() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seens, err := s.opts.Replica.LastSeens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync history: %w", err)
	}
	return protocol.Encode(s.opts.Room, protocol.AnnouncePresence{
		SiteID:    s.opts.Replica.SiteID(),
		LastSeens: seens,
	})
}

func (s *Session) onTransport(ev transport.Event) {
	// Events and frames arrive on separate channels. Once a frame from a newer
	// connection has been seen, events about older connections are stale.
	if ev.Epoch < s.epoch {
		s.logger.Debug("ignoring state of an earlier connection",
			zap.Stringer("state", ev.State),
			zap.Uint64("epoch", ev.Epoch))
		return
	}

	s.setTransport(ev.State)

	if s.rejected {
		return
	}

	switch ev.State {
	case transport.StateConnected:
		s.onConnected(ev.Epoch)
	case transport.StateConnecting, transport.StateDisconnected, transport.StateClosed:
		switch s.machine.State() {
		case protocol.StateAwaitingCoherence, protocol.StateStreaming:
			s.transition(protocol.StateDisconnected)
		}
	}
}

func (s *Session) setTransport(state transport.State) {
	s.updateSnap(func(sn *Snapshot) {
		if sn.Transport != state {
			sn.TransportSince = time.Now()
		}
		sn.Transport = state
	})
	s.emit(Event{Kind: EventConnectivity, Transport: state})
}

// onConnected starts coherence for connection epoch. Repeated calls for the
// same epoch are no-ops.
func (s *Session) onConnected(epoch uint64) {
	if epoch == s.epoch {
		return
	}
	s.epoch = epoch
	// Acks for batches sent on an earlier connection may never come; the
	// peer's StartStreaming sets the new baseline.
	s.pending = make(map[uint64]int64)
	s.publishPending()
	switch s.machine.State() {
	case protocol.StateAwaitingCoherence, protocol.StateStreaming:
		s.transition(protocol.StateDisconnected)
	}
	s.transition(protocol.StateAwaitingCoherence)
}

func (s *Session) onMessage(msg transport.Message) {
	if msg.Epoch > s.epoch && !s.rejected {
		// The transport only reads after it reported Connected, so a frame
		// from a newer connection implies that event even if it is unread.
		s.setTransport(transport.StateConnected)
		s.onConnected(msg.Epoch)
	}
	if msg.Epoch != s.epoch {
		s.logger.Debug("dropping frame from an earlier connection", zap.Uint64("epoch", msg.Epoch))
		return
	}

	frame, payload, err := protocol.Decode(msg.Data)
	if err != nil {
		s.fail(fmt.Errorf("bad frame: %w", err))
		return
	}
	if err := protocol.CheckRoom(frame, s.opts.Room); err != nil {
		s.fail(err)
		return
	}

	switch m := payload.(type) {
	case protocol.StartStreaming:
		s.onStartStreaming(m)
	case protocol.ResetStream:
		s.onResetStream(m)
	case protocol.Changes:
		s.onChanges(m.Batch)
	case protocol.ChangesProcessed:
		s.onChangesProcessed(m)
	case protocol.AnnouncePresence:
		s.fail(fmt.Errorf("unexpected %s from peer", frame.Type))
	}
}

func (s *Session) onStartStreaming(m protocol.StartStreaming) {
	if s.machine.State() != protocol.StateAwaitingCoherence {
		s.logger.Debug("ignoring start_streaming", zap.Stringer("state", s.machine.State()))
		return
	}
	if !s.conn.Open(s.epoch) {
		return
	}

	s.peer = m.PeerSiteID
	s.cursor = m.SinceVersion
	s.updateSnap(func(sn *Snapshot) {
		sn.PeerSiteID = m.PeerSiteID
		sn.Compatible = true
	})
	s.transition(protocol.StateStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	seen, _, err := s.opts.Replica.LastSeen(ctx, m.PeerSiteID)
	cancel()
	if err != nil {
		s.logger.Debug("failed to read peer history", zap.Error(err))
	}
	s.logger.Info("streaming",
		zap.String("peer", m.PeerSiteID.Short()),
		zap.Int64("since", m.SinceVersion),
		zap.Int64("peer_last_seen", seen))
	s.push()
}

func (s *Session) onResetStream(m protocol.ResetStream) {
	s.bumpGeneration()
	s.pending = make(map[uint64]int64)
	s.publishPending()

	if m.Reason != "" {
		dropped := s.conn.Discard()
		s.rejected = true
		_ = s.conn.Close()
		s.connEvents = nil
		s.messages = nil

		var err error
		if m.Reason == coherence.ReasonPeerMismatch {
			err = ErrPeerMismatch
		} else {
			err = fmt.Errorf("peer refused session: %s", m.Reason)
		}
		s.logger.Warn("session rejected by peer",
			zap.String("reason", m.Reason),
			zap.Int("dropped_frames", dropped))
		s.updateSnap(func(sn *Snapshot) {
			sn.Compatible = false
			sn.LastError = err.Error()
		})
		s.transition(protocol.StateDisconnected)
		s.emit(Event{Kind: EventRejected, Err: err})
		return
	}

	s.peer = m.PeerSiteID
	s.cursor = m.SinceVersion
	s.updateSnap(func(sn *Snapshot) { sn.PeerSiteID = m.PeerSiteID })
	s.logger.Info("stream reset by peer", zap.Int64("since", m.SinceVersion))
	s.push()
}

func (s *Session) onChanges(cs replica.ChangeSet) {
	st := s.machine.State()
	if st != protocol.StateStreaming && st != protocol.StateDraining {
		s.logger.Debug("ignoring changes before streaming", zap.Uint64("seq", cs.Seq))
		return
	}
	if st == protocol.StateDraining {
		return
	}
	if cs.Sender != s.peer {
		s.ack(cs, fmt.Errorf("change set from %s, expected %s", cs.Sender.Short(), s.peer.Short()))
		return
	}
	s.queue = append(s.queue, cs)
	s.applyNext()
}

// applyNext applies the oldest queued change set off the session goroutine
// so a stop is handled while the apply runs.
func (s *Session) applyNext() {
	if s.applying || len(s.queue) == 0 {
		return
	}
	cs := s.queue[0]
	s.queue = s.queue[1:]
	s.applying = true

	gen := s.generation
	rep := s.opts.Replica
	timeout := s.opts.ApplyTimeout
	s.applyWG.Add(1)
	go func() {
		defer s.applyWG.Done()
		ctx, cancel := context.WithTimeout(s.applyCtx, timeout)
		defer cancel()
		start := time.Now()
		res, err := rep.ApplyChangeSet(ctx, cs)
		s.applied <- applyResult{generation: gen, batch: cs, result: res, err: err, took: time.Since(start)}
	}()
}

func (s *Session) onApplied(r applyResult) {
	s.applying = false
	if r.generation != s.generation {
		s.logger.Debug("discarding apply from an earlier generation",
			zap.Uint64("seq", r.batch.Seq),
			zap.Uint64("generation", r.generation))
		s.queue = nil
		return
	}

	s.metrics.ApplyDuration.Observe(r.took.Seconds())
	if r.err != nil {
		s.fail(fmt.Errorf("failed to apply change set %d: %w", r.batch.Seq, r.err))
	} else {
		s.metrics.ChangesAppliedTotal.WithLabelValues("client").Add(float64(r.result.Applied))
		s.emit(Event{
			Kind:    EventApplied,
			Seq:     r.batch.Seq,
			Applied: r.result.Applied,
			Skipped: r.result.Skipped,
		})
	}
	s.ack(r.batch, r.err)
	s.applyNext()
}

func (s *Session) ack(cs replica.ChangeSet, err error) {
	ack := protocol.ChangesProcessed{Seq: cs.Seq, Until: cs.Until, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	s.send(ack)
}

func (s *Session) onChangesProcessed(m protocol.ChangesProcessed) {
	if _, ok := s.pending[m.Seq]; !ok {
		return
	}
	delete(s.pending, m.Seq)
	s.publishPending()

	if !m.OK {
		s.halted = true
		err := fmt.Errorf("%w: seq %d: %s", ErrApplyRejected, m.Seq, m.Error)
		s.metrics.ApplyRejectedTotal.WithLabelValues("client").Inc()
		s.logger.Error("peer rejected change set", zap.Uint64("seq", m.Seq), zap.String("error", m.Error))
		s.updateSnap(func(sn *Snapshot) {
			sn.Halted = true
			sn.LastError = err.Error()
		})
		s.emit(Event{Kind: EventApplyRejected, Seq: m.Seq, Err: err, Pending: len(s.pending)})
		return
	}

	now := time.Now()
	s.updateSnap(func(sn *Snapshot) { sn.LastAckAt = now })
	s.emit(Event{Kind: EventAcked, Seq: m.Seq, Pending: len(s.pending)})
	s.push()
}

// push sends local changes after the cursor while the in-flight window has
// room.
func (s *Session) push() {
	if s.machine.State() != protocol.StateStreaming || s.halted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for len(s.pending) < s.opts.MaxInFlight {
		cs, err := s.opts.Replica.ChangesSince(ctx, s.cursor, s.peer, s.opts.BatchSize)
		if err != nil {
			s.fail(fmt.Errorf("failed to read local changes: %w", err))
			return
		}
		if cs.Until <= s.cursor {
			return
		}
		s.cursor = cs.Until
		if cs.Empty() {
			continue
		}

		s.seq++
		cs.Seq = s.seq
		if !s.send(protocol.Changes{Batch: cs}) {
			return
		}
		s.pending[cs.Seq] = cs.Until
		s.publishPending()
		s.metrics.ChangesSentTotal.WithLabelValues("client").Add(float64(len(cs.Changes)))
		s.logger.Debug("sent change set",
			zap.Uint64("seq", cs.Seq),
			zap.Int("changes", len(cs.Changes)),
			zap.Int64("until", cs.Until))
	}
}

func (s *Session) send(msg any) bool {
	frame, err := protocol.Encode(s.opts.Room, msg)
	if err != nil {
		s.fail(err)
		return false
	}
	s.conn.Send(frame)
	return true
}

// shutdown terminates the current generation, optionally drains pending
// acks, and closes the transport.
func (s *Session) shutdown() {
	s.bumpGeneration()
	s.queue = nil
	s.applyCancel()

	if s.opts.DrainTimeout > 0 && len(s.pending) > 0 && s.machine.State() == protocol.StateStreaming {
		s.transition(protocol.StateDraining)
		s.drain()
	}

	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.pending = make(map[uint64]int64)
	s.publishPending()
	s.transition(protocol.StateIdle)
	s.logger.Info("session stopped")
}

func (s *Session) drain() {
	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()

	for len(s.pending) > 0 {
		select {
		case <-timer.C:
			s.logger.Warn("drain timed out", zap.Int("pending", len(s.pending)))
			return
		case ev, ok := <-s.connEvents:
			if !ok {
				return
			}
			if ev.Epoch < s.epoch {
				continue
			}
			s.updateSnap(func(sn *Snapshot) { sn.Transport = ev.State })
			if ev.Epoch > s.epoch || (ev.State != transport.StateConnected && ev.State != transport.StateStuck) {
				return
			}
		case msg, ok := <-s.messages:
			if !ok {
				return
			}
			if msg.Epoch > s.epoch {
				// Acks for this session's batches cannot arrive on a new connection.
				return
			}
			s.onMessage(msg)
		case r := <-s.applied:
			s.onApplied(r)
		}
	}
}

func (s *Session) bumpGeneration() {
	s.generation++
	gen := s.generation
	s.updateSnap(func(sn *Snapshot) { sn.Generation = gen })
}

func (s *Session) transition(to protocol.State) {
	from, err := s.machine.Transition(to)
	if err != nil {
		s.logger.Error("illegal state change", zap.Error(err))
		return
	}
	if from == to {
		return
	}
	s.updateSnap(func(sn *Snapshot) { sn.State = to })
	s.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	s.emit(Event{Kind: EventStateChanged, State: to})
}

func (s *Session) publishPending() {
	n := len(s.pending)
	s.updateSnap(func(sn *Snapshot) { sn.Pending = n })
	s.metrics.PendingChangeSets.WithLabelValues(s.opts.DBID).Set(float64(n))
}

func (s *Session) fail(err error) {
	s.logger.Warn("session error", zap.Error(err))
	s.updateSnap(func(sn *Snapshot) { sn.LastError = err.Error() })
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) updateSnap(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

// emit publishes ev without blocking the session.
func (s *Session) emit(ev Event) {
	ev.DBID = s.opts.DBID
	ev.Generation = s.generation
	ev.At = time.Now()
	if ev.Kind == EventStateChanged {
		ev.State = s.machine.State()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped", zap.Stringer("kind", ev.Kind))
	}
}

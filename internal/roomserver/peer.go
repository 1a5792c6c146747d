package roomserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/coherence"
	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/provider"
	"github.com/Mschirtzinger/tillsync/internal/replica"
)

var errHandshake = errors.New("handshake failed")

// peer serves one client connection. All protocol handling runs on the
// serve goroutine; a reader goroutine only moves frames.
type peer struct {
	s      *Server
	ws     *websocket.Conn
	room   protocol.Room
	remote string
	logger *zap.Logger

	handle *provider.Handle
	site   replica.SiteID
	client replica.SiteID

	cursor  int64
	seq     uint64
	pending map[uint64]int64
	halted  bool
}

func newPeer(s *Server, ws *websocket.Conn, room protocol.Room, remote string) *peer {
	return &peer{
		s:       s,
		ws:      ws,
		room:    room,
		remote:  remote,
		logger:  s.logger.With(zap.Stringer("room", room), zap.String("remote", remote)),
		pending: make(map[uint64]int64),
	}
}

type inbound struct {
	frame   protocol.Frame
	payload any
	err     error
}

func (p *peer) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.handshake(ctx); err != nil {
		p.logger.Info("session refused", zap.Error(err))
		return
	}

	wake, unsubscribe := p.handle.Subscribe()
	defer unsubscribe()

	frames := make(chan inbound, 16)
	go p.readLoop(ctx, frames)

	poll := time.NewTicker(p.s.cfg.PollInterval)
	defer poll.Stop()

	p.push(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-frames:
			if !ok {
				return
			}
			if in.err != nil {
				p.logger.Debug("bad frame", zap.Error(in.err))
				continue
			}
			if err := p.onFrame(ctx, in); err != nil {
				p.logger.Info("closing connection", zap.Error(err))
				return
			}
		case <-wake:
			p.push(ctx)
		case <-poll.C:
			p.push(ctx)
		}
	}
}

// handshake reads the announce, runs the coherence check and answers with
// start_streaming or a peer_mismatch reset.
func (p *peer) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, p.s.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := p.ws.Read(hctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errHandshake, err)
	}
	frame, payload, err := protocol.Decode(data)
	if err != nil {
		_ = p.ws.Close(websocket.StatusPolicyViolation, "bad frame")
		return fmt.Errorf("%w: %v", errHandshake, err)
	}
	if err := protocol.CheckRoom(frame, p.room); err != nil {
		_ = p.ws.Close(websocket.StatusPolicyViolation, "room mismatch")
		return fmt.Errorf("%w: %v", errHandshake, err)
	}
	ann, ok := payload.(protocol.AnnouncePresence)
	if !ok {
		_ = p.ws.Close(websocket.StatusPolicyViolation, "expected announce_presence")
		return fmt.Errorf("%w: got %s before announce_presence", errHandshake, frame.Type)
	}
	if ann.SiteID.IsZero() {
		_ = p.ws.Close(websocket.StatusPolicyViolation, "missing site id")
		return fmt.Errorf("%w: announce without site id", errHandshake)
	}

	handle, err := p.s.cfg.Provider.GetOrCreate(ctx, p.room)
	if err != nil {
		_ = p.ws.Close(websocket.StatusInternalError, "room unavailable")
		return err
	}
	p.handle = handle
	p.site = handle.DB.SiteID()
	p.client = ann.SiteID
	p.logger = p.logger.With(zap.String("client", ann.SiteID.Short()))

	res := coherence.Check(p.site, ann.SiteID, ann.LastSeens)
	if !res.OK {
		p.s.cfg.Metrics.CoherenceChecksTotal.WithLabelValues("rejected").Inc()
		p.logger.Warn("coherence check failed",
			zap.String("reason", res.Reason),
			zap.Int("history", len(ann.LastSeens)))
		_ = p.write(ctx, protocol.ResetStream{PeerSiteID: p.site, Reason: res.Reason})
		_ = p.ws.Close(websocket.StatusPolicyViolation, res.Reason)
		return fmt.Errorf("%w: %s", errHandshake, res.Reason)
	}
	p.s.cfg.Metrics.CoherenceChecksTotal.WithLabelValues("ok").Inc()

	since, _, err := handle.DB.LastSeen(ctx, ann.SiteID)
	if err != nil {
		_ = p.ws.Close(websocket.StatusInternalError, "history unavailable")
		return err
	}
	if err := p.write(ctx, protocol.StartStreaming{SinceVersion: since, PeerSiteID: p.site}); err != nil {
		return err
	}

	p.cursor = res.Since
	p.logger.Info("client streaming",
		zap.Bool("fresh", res.Fresh),
		zap.Int64("client_since", since),
		zap.Int64("server_since", res.Since))
	return nil
}

func (p *peer) readLoop(ctx context.Context, out chan<- inbound) {
	defer close(out)
	for {
		_, data, err := p.ws.Read(ctx)
		if err != nil {
			return
		}
		frame, payload, err := protocol.Decode(data)
		if err == nil {
			err = protocol.CheckRoom(frame, p.room)
		}
		select {
		case out <- inbound{frame: frame, payload: payload, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *peer) onFrame(ctx context.Context, in inbound) error {
	switch m := in.payload.(type) {
	case protocol.Changes:
		return p.apply(ctx, m.Batch)
	case protocol.ChangesProcessed:
		p.onAck(ctx, m)
	default:
		p.logger.Debug("ignoring frame", zap.String("type", string(in.frame.Type)))
	}
	return nil
}

// apply commits one client batch, then acks it and wakes the room.
func (p *peer) apply(ctx context.Context, cs replica.ChangeSet) error {
	ack := protocol.ChangesProcessed{Seq: cs.Seq, Until: cs.Until, OK: true}

	if cs.Sender != p.client {
		ack.OK = false
		ack.Error = fmt.Sprintf("change set from %s on a connection for %s", cs.Sender.Short(), p.client.Short())
	} else {
		start := time.Now()
		res, err := p.handle.DB.ApplyChangeSet(ctx, cs)
		p.s.cfg.Metrics.ApplyDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.s.cfg.Metrics.ApplyRejectedTotal.WithLabelValues("server").Inc()
			p.logger.Error("failed to apply change set", zap.Uint64("seq", cs.Seq), zap.Error(err))
			ack.OK = false
			ack.Error = err.Error()
		} else {
			p.s.cfg.Metrics.ChangesAppliedTotal.WithLabelValues("server").Add(float64(res.Applied))
			p.logger.Debug("applied change set",
				zap.Uint64("seq", cs.Seq),
				zap.Int("applied", res.Applied),
				zap.Int("skipped", res.Skipped))
			if res.Applied > 0 {
				p.handle.Notify()
			}
		}
	}
	return p.write(ctx, ack)
}

func (p *peer) onAck(ctx context.Context, m protocol.ChangesProcessed) {
	if _, ok := p.pending[m.Seq]; !ok {
		return
	}
	delete(p.pending, m.Seq)
	if !m.OK {
		p.halted = true
		p.s.cfg.Metrics.ApplyRejectedTotal.WithLabelValues("client").Inc()
		p.logger.Error("client rejected change set", zap.Uint64("seq", m.Seq), zap.String("error", m.Error))
		return
	}
	p.push(ctx)
}

// push streams room changes after the cursor, skipping the client's own.
func (p *peer) push(ctx context.Context) {
	if p.halted {
		return
	}
	for len(p.pending) < p.s.cfg.MaxInFlight {
		cs, err := p.handle.DB.ChangesSince(ctx, p.cursor, p.client, p.s.cfg.BatchSize)
		if err != nil {
			p.logger.Error("failed to read room changes", zap.Error(err))
			return
		}
		if cs.Until <= p.cursor {
			return
		}
		p.cursor = cs.Until
		if cs.Empty() {
			continue
		}

		p.seq++
		cs.Seq = p.seq
		if err := p.write(ctx, protocol.Changes{Batch: cs}); err != nil {
			p.logger.Debug("failed to send change set", zap.Error(err))
			return
		}
		p.pending[cs.Seq] = cs.Until
		p.s.cfg.Metrics.ChangesSentTotal.WithLabelValues("server").Add(float64(len(cs.Changes)))
	}
}

func (p *peer) write(ctx context.Context, msg any) error {
	data, err := protocol.Encode(p.room, msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, p.s.cfg.WriteTimeout)
	defer cancel()
	return p.ws.Write(wctx, websocket.MessageText, data)
}

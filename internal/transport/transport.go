// Package transport provides the reconnecting websocket connection a sync
// session talks through.
//
// The transport owns reconnect policy and liveness, and nothing else:
//
//   - Frames passed to Send are buffered in an outbox and written strictly in
//     order. A frame leaves the outbox only after a successful socket write; a
//     failed write is redelivered after reconnect (at-least-once, in order).
//   - On every (re)connect the Hello frame is written first and the outbox is
//     held until the owner calls Open for that connection epoch.
//   - A connection that stays silent past LivenessTimeout is reported Stuck;
//     still silent after StuckGrace, it is torn down and redialed.
//
// Faults never cross the package boundary as errors; they are visible only
// as state events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/metrics"
)

// ErrStuck is the cause recorded when a silent connection is torn down.
var ErrStuck = errors.New("connection stuck: liveness timeout")

// State is the connectivity state of a Conn.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateStuck
	StateDisconnected
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStuck:
		return "stuck"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event reports a state change. Epoch numbers connections; it increases on
// every successful connect.
type Event struct {
	State State
	Epoch uint64
}

// Message is one inbound frame and the connection epoch it arrived on.
type Message struct {
	Epoch uint64
	Data  []byte
}

// Config holds transport configuration.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Header is sent with every dial.
	Header http.Header

	// HTTPClient is used for the handshake (default: http.DefaultClient).
	HTTPClient *http.Client

	// Hello returns the frame written first on every connection. When set,
	// the outbox stays gated until Open is called for the new epoch.
	Hello func() ([]byte, error)

	BackoffMin      time.Duration
	BackoffMax      time.Duration
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	LivenessTimeout time.Duration
	StuckGrace      time.Duration

	// ReadLimit caps the size of one inbound frame.
	ReadLimit int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		BackoffMin:      250 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		DialTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    5 * time.Second,
		LivenessTimeout: 15 * time.Second,
		StuckGrace:      10 * time.Second,
		ReadLimit:       16 << 20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.URL)
	if c.BackoffMin <= 0 {
		c.BackoffMin = d.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = d.BackoffMax
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.StuckGrace <= 0 {
		c.StuckGrace = d.StuckGrace
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop()
	}
}

type outFrame struct {
	id   uint64
	data []byte
}

// Conn is a reconnecting websocket connection.
type Conn struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	outbox []outFrame
	nextID uint64
	gated  bool
	epoch  uint64
	state  State

	wake     chan struct{}
	messages chan Message
	events   chan Event

	lastActivity atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Dial starts connecting to cfg.URL in the background and returns at once.
// Connection progress is reported on Events.
func Dial(ctx context.Context, cfg Config) *Conn {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(ctx)

	c := &Conn{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("endpoint", cfg.URL)),
		gated:    cfg.Hello != nil,
		state:    StateConnecting,
		wake:     make(chan struct{}, 1),
		messages: make(chan Message, 64),
		events:   make(chan Event, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.wg.Add(1)
	go c.supervise()
	return c
}

// Send appends a frame to the outbox. It never blocks on the network.
func (c *Conn) Send(frame []byte) {
	c.mu.Lock()
	c.nextID++
	c.outbox = append(c.outbox, outFrame{id: c.nextID, data: frame})
	c.mu.Unlock()
	c.signal()
}

// Open releases the outbox for the connection numbered epoch. Calls for an
// older epoch are ignored.
func (c *Conn) Open(epoch uint64) bool {
	c.mu.Lock()
	ok := epoch == c.epoch
	if ok {
		c.gated = false
	}
	c.mu.Unlock()
	if ok {
		c.signal()
	}
	return ok
}

// Discard drops every buffered frame and returns how many were dropped.
func (c *Conn) Discard() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.outbox)
	c.outbox = nil
	return n
}

// Pending returns the number of buffered frames.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the number of the current (or last) connection.
func (c *Conn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Messages returns inbound frames in arrival order. Closed after Close.
func (c *Conn) Messages() <-chan Message {
	return c.messages
}

// Events returns the latest state change; intermediate states may be
// coalesced when the reader is slow. Closed after Close.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Close stops reconnecting, tears down the socket and waits for the
// background goroutines.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		close(c.messages)
		close(c.events)
	})
	return nil
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// setState records s and publishes it, replacing an unread event.
func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s && s != StateConnected {
		return
	}
	c.state = s
	c.cfg.Metrics.TransportState.WithLabelValues(c.cfg.URL).Set(float64(s))

	ev := Event{State: s, Epoch: c.epoch}
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		c.events <- ev
	}
}

// supervise dials, serves and redials until the context is cancelled.
func (c *Conn) supervise() {
	defer c.wg.Done()
	defer c.setState(StateClosed)

	backoff := &Backoff{Min: c.cfg.BackoffMin, Max: c.cfg.BackoffMax, Jitter: 0.2}
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		ws, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setState(StateDisconnected)
			delay := backoff.Next()
			c.logger.Debug("dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !c.sleep(delay) {
				return
			}
			continue
		}

		backoff.Reset()
		err = c.serve(ws)
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateDisconnected)
		c.cfg.Metrics.ReconnectsTotal.WithLabelValues(c.cfg.URL).Inc()
		delay := backoff.Next()
		c.logger.Info("connection lost, reconnecting", zap.Error(err), zap.Duration("retry_in", delay))
		if !c.sleep(delay) {
			return
		}
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: c.cfg.Header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	ws.SetReadLimit(c.cfg.ReadLimit)
	return ws, nil
}

// serve runs one connection until it fails; the returned error is the cause.
func (c *Conn) serve(ws *websocket.Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	defer func() { _ = ws.CloseNow() }()

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.gated = c.cfg.Hello != nil
	c.mu.Unlock()

	if c.cfg.Hello != nil {
		hello, err := c.cfg.Hello()
		if err != nil {
			return fmt.Errorf("failed to build hello frame: %w", err)
		}
		if err := c.write(ctx, ws, hello); err != nil {
			return err
		}
	}

	c.touch()
	c.setState(StateConnected)

	var wg sync.WaitGroup
	errc := make(chan error, 3)
	wg.Add(3)
	go func() { defer wg.Done(); errc <- c.readLoop(ctx, ws, epoch) }()
	go func() { defer wg.Done(); errc <- c.writeLoop(ctx, ws) }()
	go func() { defer wg.Done(); errc <- c.heartbeat(ctx, ws) }()

	err := <-errc
	cancel()
	_ = ws.CloseNow()
	wg.Wait()
	return err
}

func (c *Conn) write(ctx context.Context, ws *websocket.Conn, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	c.cfg.Metrics.FramesSentTotal.WithLabelValues(c.cfg.URL).Inc()
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, epoch uint64) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		c.touch()
		c.cfg.Metrics.FramesRecvTotal.WithLabelValues(c.cfg.URL).Inc()

		select {
		case c.messages <- Message{Epoch: epoch, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop drains the outbox head-first while the outbox is open.
func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		c.mu.Lock()
		var next *outFrame
		if !c.gated && len(c.outbox) > 0 {
			f := c.outbox[0]
			next = &f
		}
		c.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		if err := c.write(ctx, ws, next.data); err != nil {
			return err
		}

		c.mu.Lock()
		if len(c.outbox) > 0 && c.outbox[0].id == next.id {
			c.outbox = c.outbox[1:]
		}
		c.mu.Unlock()
	}
}

// heartbeat pings the peer and enforces the liveness timeout.
func (c *Conn) heartbeat(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
		if err := ws.Ping(pctx); err == nil {
			c.touch()
		}
		cancel()

		idle := c.idleFor()
		switch {
		case idle > c.cfg.LivenessTimeout+c.cfg.StuckGrace:
			c.logger.Warn("tearing down stuck connection", zap.Duration("idle", idle))
			return ErrStuck
		case idle > c.cfg.LivenessTimeout:
			c.setState(StateStuck)
		case c.State() == StateStuck:
			c.setState(StateConnected)
		}
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

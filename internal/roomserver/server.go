// Package roomserver is the accepting side of a sync channel.
//
// It hosts room databases and serves one websocket per connected client.
// Requests under the sync path prefix are upgraded; everything else goes to
// the application handler, which by default serves /health and /metrics.
package roomserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/provider"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8080").
	Addr string

	// PathPrefix selects sync traffic (default: "/sync/").
	PathPrefix string

	// Provider supplies room databases. Required.
	Provider *provider.Provider

	// App serves non-sync paths. When nil a mux with /health and /metrics
	// is used.
	App http.Handler

	// Gatherer backs /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	BatchSize        int
	MaxInFlight      int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PollInterval     time.Duration
	ReadLimit        int64

	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:             ":8080",
		PathPrefix:       DefaultPathPrefix,
		BatchSize:        500,
		MaxInFlight:      4,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PollInterval:     5 * time.Second,
		ReadLimit:        16 << 20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.PathPrefix == "" {
		c.PathPrefix = d.PathPrefix
	}
	c.PathPrefix = NormalizePrefix(c.PathPrefix)
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop()
	}
}

// Server accepts sync connections.
type Server struct {
	cfg      Config
	listener net.Listener
	server   *http.Server
	handler  http.Handler

	clients   map[*peer]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a room server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Provider == nil {
		return nil, errors.New("room server needs a provider")
	}
	c.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     c,
		clients: make(map[*peer]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  c.Logger.Named("roomserver"),
	}

	app := c.App
	if app == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", s.handleHealth)
		mux.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{}))
		app = mux
	}
	s.handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsSyncPath(c.PathPrefix, r.URL.Path) {
			s.handleSync(w, r)
			return
		}
		app.ServeHTTP(w, r)
	})
	return s, nil
}

// Handler returns the server's HTTP handler, for mounting in tests or an
// existing server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("room server listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("prefix", s.cfg.PathPrefix))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every sync connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping room server")

	s.clientsMu.Lock()
	s.cancel()
	for p := range s.clients {
		_ = p.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("room server stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of connected sync clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	room, err := ParseRoom(s.cfg.PathPrefix, r.URL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.admit() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	p := newPeer(s, ws, room, r.RemoteAddr)
	s.addClient(p)
	defer s.removeClient(p)

	p.serve(s.ctx)
}

// admit counts a sync request in the server's wait group unless Stop has
// begun. Stop cancels under the same lock, so no request is added after it
// starts waiting.
func (s *Server) admit() bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) addClient(p *peer) {
	s.clientsMu.Lock()
	s.clients[p] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.Stringer("room", p.room), zap.Int("total", n))
}

func (s *Server) removeClient(p *peer) {
	s.clientsMu.Lock()
	if _, ok := s.clients[p]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, p)
	n := len(s.clients)
	s.clientsMu.Unlock()

	_ = p.ws.CloseNow()
	s.logger.Debug("client disconnected", zap.Stringer("room", p.room), zap.Int("total", n))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	rooms := make(map[string]int)
	for p := range s.clients {
		rooms[p.room.String()]++
	}
	n := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": n,
		"rooms":   rooms,
		"prefix":  strings.TrimSuffix(s.cfg.PathPrefix, "/"),
	})
}

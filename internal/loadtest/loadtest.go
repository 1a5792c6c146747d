// Package loadtest drives many tills through one room server and measures
// how quickly their writes converge.
//
// Every till gets its own replica and sync session, all hosted by one
// service.Host the way a multi-database client would run them. Writes go
// through a second connection to each replica file, the same as an
// application writing next to a running sync.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/provider"
	"github.com/Mschirtzinger/tillsync/internal/replica"
	"github.com/Mschirtzinger/tillsync/internal/roomserver"
	"github.com/Mschirtzinger/tillsync/internal/service"
	"github.com/Mschirtzinger/tillsync/internal/transport"
)

const table = "loadtest"

// Config describes one run.
type Config struct {
	Tills         int
	WritesPerTill int
	// Dir holds the server room databases and the till replicas.
	Dir     string
	Room    protocol.Room
	Timeout time.Duration
	Logger  *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Tills <= 0 {
		c.Tills = 10
	}
	if c.WritesPerTill <= 0 {
		c.WritesPerTill = 20
	}
	if c.Room.ID == "" {
		c.Room = protocol.Room{ID: "loadtest", Schema: "pos", Version: 1}
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// LatencyStats summarizes a set of latencies.
type LatencyStats struct {
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Mean    time.Duration `json:"mean"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

// Result is the outcome of a run.
type Result struct {
	Tills  int `json:"tills"`
	Writes int `json:"writes"`
	// Upload is the time from a local write until the server has it.
	Upload LatencyStats `json:"upload"`
	// Converged is the time from the first write until every till holds
	// every other till's writes.
	Converged time.Duration `json:"converged"`
}

// Run executes one load test.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg.applyDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	rooms := provider.New(provider.DirOpener(filepath.Join(cfg.Dir, "rooms")), cfg.Logger, nil)
	defer rooms.Close()

	srv, err := roomserver.NewServer(&roomserver.Config{
		Addr:         "127.0.0.1:0",
		Provider:     rooms,
		PollInterval: 100 * time.Millisecond,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	}()

	server, err := rooms.GetOrCreate(ctx, cfg.Room)
	if err != nil {
		return nil, err
	}
	url, err := roomserver.RoomURL("ws://"+srv.GetAddr(), roomserver.DefaultPathPrefix, cfg.Room)
	if err != nil {
		return nil, err
	}

	tc := transport.DefaultConfig("")
	tc.BackoffMin = 20 * time.Millisecond
	tc.BackoffMax = time.Second
	replicasDir := filepath.Join(cfg.Dir, "tills")
	host := service.New(service.SessionFactory(service.SessionConfig{
		ReplicasDir:  replicasDir,
		Transport:    tc,
		PollInterval: 100 * time.Millisecond,
		Logger:       cfg.Logger,
	}), cfg.Logger, nil)
	defer func() { _ = host.Shutdown(context.Background()) }()

	tills := make([]*replica.DB, cfg.Tills)
	for i := range tills {
		id := tillID(i)
		if err := host.StartSync(ctx, id, service.Endpoint{URL: url, Room: cfg.Room}); err != nil {
			return nil, err
		}
		db, err := replica.OpenContext(ctx, service.ReplicaPath(replicasDir, id))
		if err != nil {
			return nil, err
		}
		defer db.Close()
		tills[i] = db
	}

	tracker := newTracker()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watched := make(chan error, 1)
	go func() { watched <- tracker.watch(watchCtx, server) }()

	first := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, db := range tills {
		g.Go(func() error {
			id := tillID(i)
			for j := 0; j < cfg.WritesPerTill; j++ {
				pk := id + "/" + strconv.Itoa(j)
				tracker.wrote(pk, time.Now())
				if _, err := db.Put(gctx, table, pk, "qty", strconv.Itoa(j)); err != nil {
					return fmt.Errorf("%s write %d: %w", id, j, err)
				}
				_ = host.Nudge(gctx, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := cfg.Tills * cfg.WritesPerTill
	if err := tracker.waitFor(ctx, total); err != nil {
		return nil, fmt.Errorf("server received %d of %d writes: %w", tracker.count(), total, err)
	}
	stopWatch()
	<-watched

	if err := waitConverged(ctx, tills, cfg.WritesPerTill); err != nil {
		return nil, err
	}

	return &Result{
		Tills:     cfg.Tills,
		Writes:    total,
		Upload:    computeLatencyStats(tracker.latencies()),
		Converged: time.Since(first),
	}, nil
}

func tillID(i int) string {
	return fmt.Sprintf("till-%03d", i)
}

// tracker records when each key was written and when the server first had
// it.
type tracker struct {
	mu      sync.Mutex
	written map[string]time.Time
	seen    map[string]time.Duration
	changed chan struct{}
}

func newTracker() *tracker {
	return &tracker{
		written: make(map[string]time.Time),
		seen:    make(map[string]time.Duration),
		changed: make(chan struct{}, 1),
	}
}

func (t *tracker) wrote(pk string, at time.Time) {
	t.mu.Lock()
	t.written[pk] = at
	t.mu.Unlock()
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

func (t *tracker) latencies() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, 0, len(t.seen))
	for _, d := range t.seen {
		out = append(out, d)
	}
	return out
}

// watch checks outstanding keys against the server room every time the
// room applies a batch, and on a short tick in case a signal coalesced.
func (t *tracker) watch(ctx context.Context, h *provider.Handle) error {
	wake, unsubscribe := h.Subscribe()
	defer unsubscribe()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-tick.C:
		}
		if err := t.scan(ctx, h.DB); err != nil && ctx.Err() == nil {
			return err
		}
	}
}

func (t *tracker) scan(ctx context.Context, db *replica.DB) error {
	t.mu.Lock()
	var outstanding []string
	for pk := range t.written {
		if _, ok := t.seen[pk]; !ok {
			outstanding = append(outstanding, pk)
		}
	}
	t.mu.Unlock()

	found := false
	for _, pk := range outstanding {
		_, ok, err := db.Get(ctx, table, pk, "qty")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		now := time.Now()
		t.mu.Lock()
		t.seen[pk] = now.Sub(t.written[pk])
		t.mu.Unlock()
		found = true
	}
	if found {
		select {
		case t.changed <- struct{}{}:
		default:
		}
	}
	return nil
}

func (t *tracker) waitFor(ctx context.Context, n int) error {
	for t.count() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.changed:
		}
	}
	return nil
}

// waitConverged waits until every till holds the last write of every till.
func waitConverged(ctx context.Context, tills []*replica.DB, writes int) error {
	last := strconv.Itoa(writes - 1)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		done := true
	check:
		for _, db := range tills {
			for i := range tills {
				val, ok, err := db.Get(ctx, table, tillID(i)+"/"+last, "qty")
				if err != nil && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				if !ok || val != last {
					done = false
					break check
				}
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("tills did not converge: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(sorted)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(sorted),
	}
}

// PrintStats formats and prints latency statistics.
func (s LatencyStats) PrintStats() {
	fmt.Printf("  Samples:       %d\n", s.Samples)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}

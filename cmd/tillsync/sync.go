package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/config"
	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/rooms"
	"github.com/Mschirtzinger/tillsync/internal/roomserver"
	"github.com/Mschirtzinger/tillsync/internal/service"
	"github.com/Mschirtzinger/tillsync/internal/session"
	"github.com/Mschirtzinger/tillsync/internal/status"
	"github.com/Mschirtzinger/tillsync/internal/ui"
	"github.com/Mschirtzinger/tillsync/internal/watch"
)

var syncCmd = &cobra.Command{
	Use:     "sync <db>...",
	GroupID: "sync",
	Short:   "Sync local replicas with the room server (foreground)",
	Long: `Sync one or more local replicas with the room server until interrupted.

Each <db> is a database name from the rooms file, which maps it to a room,
schema and schema version. The replica lives at <storage.replicas_dir>/<db>.db
and is created on first use.

The command will:
  1. Connect to the room server and announce the replica's sync history
  2. Stream local changes up and remote changes down
  3. Push local writes as soon as the replica file changes
  4. Print a status line whenever a database's sync status changes

If the server no longer recognises a replica's history (for example after
the server database was rebuilt), syncing for that database stops and you
are offered a reset.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		registry, err := rooms.Load(cfg.Rooms.File)
		if err != nil {
			fatalf("%v", err)
		}

		endpoints := make(map[string]service.Endpoint, len(args))
		for _, name := range args {
			room, err := registry.Resolve(name)
			if err != nil {
				fatalf("%v", err)
			}
			url, err := roomserver.RoomURL(cfg.Endpoint, cfg.Sync.PathPrefix, room)
			if err != nil {
				fatalf("%v", err)
			}
			endpoints[name] = service.Endpoint{URL: url, Room: room}
		}

		if err := os.MkdirAll(cfg.Storage.ReplicasDir, 0o755); err != nil {
			fatalf("failed to create replicas dir: %v", err)
		}

		logger := newLogger(cfg)
		defer func() { _ = logger.Sync() }()

		m := metrics.New(nil)
		host := service.New(service.SessionFactory(service.SessionConfig{
			ReplicasDir:  cfg.Storage.ReplicasDir,
			Transport:    cfg.TransportFor(""),
			BatchSize:    cfg.Session.BatchSize,
			PollInterval: cfg.Session.PollInterval,
			DrainTimeout: cfg.Session.DrainTimeout,
			Logger:       logger,
			Metrics:      m,
		}), logger, m)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		for _, name := range args {
			if err := host.StartSync(ctx, name, endpoints[name]); err != nil {
				fatalf("%v", err)
			}
		}

		watcher, err := watch.New(watch.DefaultDebounce)
		if err != nil {
			fatalf("%v", err)
		}
		if err := watcher.Start(cfg.Storage.ReplicasDir); err != nil {
			fatalf("%v", err)
		}
		defer func() { _ = watcher.Stop() }()

		if !jsonOutput {
			fmt.Printf("%s Syncing %d database(s) with %s\n", ui.RenderAccent("🔄"), len(args), cfg.Endpoint)
			fmt.Printf("\nPress Ctrl+C to stop\n\n")
		}

		v := newStatusView(host, cfg.Status.Debounce, jsonOutput)
		tick := time.NewTicker(refreshInterval(cfg.Status.Debounce))
		defer tick.Stop()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop

			case c := <-watcher.Changes():
				if _, ok := endpoints[c.DBID]; ok {
					_ = host.Nudge(ctx, c.DBID)
				}

			case err := <-watcher.Errors():
				logger.Warn("replica watcher error", zap.Error(err))

			case ev := <-host.Events():
				if ev.Kind == session.EventRejected {
					v.refresh(ctx, ev.DBID)
					offerReset(ctx, cfg, host, ev.DBID, endpoints[ev.DBID])
				}
				v.refresh(ctx, ev.DBID)

			case <-tick.C:
				for _, name := range args {
					v.refresh(ctx, name)
				}
			}
		}

		if !jsonOutput {
			fmt.Println("\nStopping sync...")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Session.DrainTimeout+5*time.Second)
		defer shutdownCancel()
		if err := host.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("json", false, "Print status changes as JSON lines")
	rootCmd.AddCommand(syncCmd)
}

// refreshInterval re-evaluates held statuses often enough for a debounced
// disconnect to show up on time.
func refreshInterval(debounce time.Duration) time.Duration {
	if debounce <= 0 {
		debounce = status.DefaultDebounce
	}
	return debounce / 3
}

// statusView prints one line per database whenever its summary changes.
type statusView struct {
	host       *service.Host
	debounce   time.Duration
	json       bool
	projectors map[string]*status.Projector
	last       map[string]status.Summary
}

func newStatusView(host *service.Host, debounce time.Duration, jsonOutput bool) *statusView {
	return &statusView{
		host:       host,
		debounce:   debounce,
		json:       jsonOutput,
		projectors: make(map[string]*status.Projector),
		last:       make(map[string]status.Summary),
	}
}

type statusLine struct {
	DB string `json:"db"`
	status.Summary
}

func (v *statusView) refresh(ctx context.Context, dbID string) {
	snap, ok, err := v.host.Status(ctx, dbID)
	if err != nil || !ok {
		return
	}

	p, exists := v.projectors[dbID]
	if !exists {
		p = status.NewProjector(v.debounce)
		v.projectors[dbID] = p
	}
	now := time.Now()
	sum := p.Observe(snap, now)
	if prev, seen := v.last[dbID]; seen && prev == sum {
		return
	}
	v.last[dbID] = sum

	if v.json {
		_ = json.NewEncoder(os.Stdout).Encode(statusLine{DB: dbID, Summary: sum})
		return
	}
	fmt.Println(ui.RenderSummary(dbID, sum, now))
}

// offerReset asks whether a rejected replica should be wiped and resynced
// from the server. Outside a terminal it only prints the manual step.
func offerReset(ctx context.Context, cfg *config.Config, host *service.Host, dbID string, ep service.Endpoint) {
	fmt.Fprintf(os.Stderr, "\n%s The server does not recognise the sync history of %s\n", ui.RenderWarn("⚠"), dbID)

	ok, err := ui.Confirm(
		fmt.Sprintf("Reset %s and resync from the server?", dbID),
		"Local changes that were never synced will be lost.",
	)
	if err != nil || !ok {
		fmt.Fprintf(os.Stderr, "   Syncing for %s is paused. Run 'tillsync reset %s' to start over.\n\n", dbID, dbID)
		return
	}

	if err := host.StopSync(ctx, dbID); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping sync for %s: %v\n", dbID, err)
		return
	}
	db := openReplica(cfg, dbID)
	site, err := db.Reset(ctx)
	_ = db.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resetting %s: %v\n", dbID, err)
		return
	}
	fmt.Printf("%s Reset %s (new site %s)\n", ui.RenderPass("✓"), dbID, site.Short())

	if err := host.StartSync(ctx, dbID, ep); err != nil {
		fmt.Fprintf(os.Stderr, "Error restarting sync for %s: %v\n", dbID, err)
	}
}

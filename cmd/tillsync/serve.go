package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/provider"
	"github.com/Mschirtzinger/tillsync/internal/roomserver"
	"github.com/Mschirtzinger/tillsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the room server",
	Long: `Run the room server that tills sync against.

Each room (store) and schema version gets its own server-side replica under
storage.rooms_dir. Clients connect over WebSocket at:

  ws://<addr><sync.path_prefix><room>?schema=<schema>&version=<n>

Everything outside the sync prefix is ordinary HTTP:
  /health    liveness check
  /metrics   Prometheus metrics

Example usage:
  tillsync serve                  # Listen on server.addr from config
  tillsync serve --addr :9000     # Listen on a custom address`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		logger := newLogger(cfg)
		defer func() { _ = logger.Sync() }()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.New(reg)

		rooms := provider.New(provider.DirOpener(cfg.Storage.RoomsDir), logger, m)
		defer func() {
			if err := rooms.Close(); err != nil {
				logger.Warn("closing room databases", zap.Error(err))
			}
		}()

		server, err := roomserver.NewServer(&roomserver.Config{
			Addr:         cfg.Server.Addr,
			PathPrefix:   cfg.Sync.PathPrefix,
			Provider:     rooms,
			Gatherer:     reg,
			BatchSize:    cfg.Session.BatchSize,
			PollInterval: cfg.Session.PollInterval,
			Logger:       logger,
			Metrics:      m,
		})
		if err != nil {
			fatalf("%v", err)
		}

		if err := server.Start(); err != nil {
			fatalf("failed to start room server: %v", err)
		}

		addr := server.GetAddr()
		fmt.Printf("%s Room server started on http://%s\n", ui.RenderPass("✓"), addr)
		fmt.Printf("   Sync endpoint: ws://%s%s<room>\n", addr, roomserver.NormalizePrefix(cfg.Sync.PathPrefix))
		fmt.Printf("   Rooms dir: %s\n", cfg.Storage.RoomsDir)
		fmt.Printf("   Health check: http://%s/health\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down room server...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stopCancel()
		if err := server.Stop(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		fmt.Println("Room server stopped")
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

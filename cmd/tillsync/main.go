package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/config"
	"github.com/Mschirtzinger/tillsync/internal/logging"
	"github.com/Mschirtzinger/tillsync/internal/replica"
	"github.com/Mschirtzinger/tillsync/internal/service"
	"github.com/Mschirtzinger/tillsync/internal/ui"
)

var (
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "tillsync",
	Short: "Local-first SQLite sync for point-of-sale tills",
	Long: `tillsync keeps local SQLite replicas on each till in sync with a room
server, exchanging column-level changes over WebSocket.

Each till writes to its own replica and keeps working offline. When a
connection is available, changes stream both ways and merge with
last-writer-wins per column.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Local replicas:"},
	)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: ./tillsync.yaml or ~/.config/tillsync/)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	cobra.OnInitialize(func() {
		if noColor {
			ui.DisableColor()
			return
		}
		ui.Init(os.Stdout)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	v := config.New()
	if err := v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		fatalf("%v", err)
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fatalf("failed to create logger: %v", err)
	}
	return logger
}

// openReplica opens the local replica for dbID.
func openReplica(cfg *config.Config, dbID string) *replica.DB {
	path := service.ReplicaPath(cfg.Storage.ReplicasDir, dbID)
	db, err := replica.Open(path)
	if err != nil {
		fatalf("opening replica %s: %v", path, err)
	}
	return db
}

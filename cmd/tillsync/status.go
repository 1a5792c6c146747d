package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tillsync/internal/replica"
	"github.com/Mschirtzinger/tillsync/internal/rooms"
	"github.com/Mschirtzinger/tillsync/internal/ui"
)

type replicaStatus struct {
	DB        string                `json:"db"`
	Path      string                `json:"path"`
	SiteID    replica.SiteID        `json:"siteId"`
	DBVersion int64                 `json:"dbVersion"`
	LastSeen  []replica.PeerVersion `json:"lastSeen"`
}

var statusCmd = &cobra.Command{
	Use:     "status <db>",
	GroupID: "data",
	Short:   "Show a local replica's sync identity and history",
	Long: `Display what a local replica would announce to the server.

Shows:
  - Replica file location
  - Site ID (the replica's sync identity)
  - Local database version
  - The highest version received from every known peer`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		db := openReplica(cfg, args[0])
		defer db.Close()

		version, err := db.DBVersion(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		seen, err := db.LastSeens(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		st := replicaStatus{
			DB:        args[0],
			Path:      db.Path(),
			SiteID:    db.SiteID(),
			DBVersion: version,
			LastSeen:  seen,
		}
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(st)
			return
		}

		fmt.Printf("\n%s Replica %s\n\n", ui.RenderAccent("📊"), st.DB)
		fmt.Printf("Location: %s\n", st.Path)
		fmt.Printf("Site: %s\n", st.SiteID)
		fmt.Printf("Version: %d\n", st.DBVersion)
		if len(st.LastSeen) == 0 {
			fmt.Printf("Peers: %s\n\n", ui.RenderMuted("none yet"))
			return
		}
		fmt.Println("Peers:")
		for _, pv := range st.LastSeen {
			fmt.Printf("   %s  up to %d\n", pv.SiteID, pv.Version)
		}
		fmt.Println()
	},
}

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	GroupID: "data",
	Short:   "List database names from the rooms file",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		registry, err := rooms.Load(cfg.Rooms.File)
		if err != nil {
			fatalf("%v", err)
		}
		for _, name := range registry.Names() {
			room, _ := registry.Resolve(name)
			fmt.Printf("%s  %s\n", ui.RenderAccent(name), room)
		}
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(roomsCmd)
}

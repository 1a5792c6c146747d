package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tillsync/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset <db>",
	GroupID: "data",
	Short:   "Wipe a local replica and give it a new sync identity",
	Long: `Wipe all synced data from a local replica and regenerate its site ID.

Use this when the server rejects the replica's history, for example after the
server database was rebuilt. The next sync downloads everything from the
server. Local changes that were never synced are lost.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		yes, _ := cmd.Flags().GetBool("yes")

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				fatalf("refusing to reset %s without --yes", args[0])
			}
			ok, err := ui.Confirm(
				fmt.Sprintf("Reset %s?", args[0]),
				"All local data is removed and resynced from the server.",
			)
			if err != nil {
				fatalf("%v", err)
			}
			if !ok {
				fmt.Println("Aborted")
				return
			}
		}

		db := openReplica(cfg, args[0])
		defer db.Close()

		old := db.SiteID()
		site, err := db.Reset(context.Background())
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Reset %s\n", ui.RenderPass("✓"), args[0])
		fmt.Printf("   Old site: %s\n", old)
		fmt.Printf("   New site: %s\n", site)
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

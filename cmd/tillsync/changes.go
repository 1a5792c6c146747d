package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tillsync/internal/ui"
)

var changesCmd = &cobra.Command{
	Use:     "changes <db>",
	GroupID: "data",
	Short:   "List changes logged in a local replica",
	Long: `List the change log of a local replica, oldest first.

--since accepts an RFC 3339 timestamp or a natural phrase.

Example usage:
  tillsync changes front-till                       # Last 24 hours
  tillsync changes front-till --since "2 hours ago"
  tillsync changes front-till --since yesterday --limit 20`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		since, err := parseSince(sinceText, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		db := openReplica(cfg, args[0])
		defer db.Close()

		changes, err := db.ChangesCreatedSince(context.Background(), since, limit)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(changes)
			return
		}
		if len(changes) == 0 {
			fmt.Printf("%s No changes since %s\n", ui.RenderMuted("∅"), since.Format(time.RFC3339))
			return
		}

		self := db.SiteID()
		for _, ch := range changes {
			origin := ch.SiteID.Short()
			if ch.SiteID == self {
				origin = "local"
			}
			fmt.Printf("%s  v%-6d %s.%s[%s] = %q  %s\n",
				ui.RenderMuted(ch.CreatedAt.Local().Format("2006-01-02 15:04:05")),
				ch.DBVersion, ch.Table, ch.CID, ch.PK, ch.Val,
				ui.RenderMuted(origin))
		}
	},
}

func init() {
	changesCmd.Flags().String("since", "24 hours ago", "Only changes logged at or after this time")
	changesCmd.Flags().Int("limit", 100, "Maximum number of changes to show")
	changesCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(changesCmd)
}

// parseSince reads an RFC 3339 timestamp or a natural-language time
// relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time", text)
	}
	return r.Time, nil
}

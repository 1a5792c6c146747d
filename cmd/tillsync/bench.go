package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tillsync/internal/loadtest"
	"github.com/Mschirtzinger/tillsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Measure how fast writes from many tills converge",
	Long: `Run an in-process load test: one room server and N tills, each with its
own replica and sync session. Every till writes concurrently, then the command
waits until the server and all tills hold every write.

Reports the upload latency (local write until the server has it) and the
time until all tills converged.

Examples:
  # 10 tills, 20 writes each
  tillsync bench

  # 50 tills, 100 writes each, as JSON
  tillsync bench --tills 50 --writes 100 --json
`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("tills", 10, "Number of concurrent tills to simulate")
	benchCmd.Flags().Int("writes", 20, "Number of writes per till")
	benchCmd.Flags().Duration("timeout", 2*time.Minute, "Give up if tills have not converged by then")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	tills, _ := cmd.Flags().GetInt("tills")
	writes, _ := cmd.Flags().GetInt("writes")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if tills <= 0 {
		fatalf("--tills must be positive")
	}
	if writes <= 0 {
		fatalf("--writes must be positive")
	}

	dir, err := os.MkdirTemp("", "tillsync-bench-")
	if err != nil {
		fatalf("%v", err)
	}
	defer os.RemoveAll(dir)

	if !jsonOutput {
		fmt.Printf("%s Running load test: %d tills, %d writes each\n\n", ui.RenderAccent("🚀"), tills, writes)
	}

	res, err := loadtest.Run(context.Background(), loadtest.Config{
		Tills:         tills,
		WritesPerTill: writes,
		Dir:           dir,
		Timeout:       timeout,
	})
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
		return
	}

	fmt.Printf("Upload latency (%d writes):\n", res.Writes)
	res.Upload.PrintStats()
	fmt.Printf("\n%s All %d tills converged in %v\n", ui.RenderPass("✓"), res.Tills, res.Converged.Round(time.Millisecond))
}

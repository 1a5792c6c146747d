package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/tillsync/internal/ui"
)

var putCmd = &cobra.Command{
	Use:     "put <db> <table> <pk> <column> <value>",
	GroupID: "data",
	Short:   "Write one cell to a local replica",
	Long: `Write one cell to a local replica and log it for sync.

A running 'tillsync sync' for the same database pushes the change as soon as
the replica file is written.

Example usage:
  tillsync put front-till items sku-123 price 4.50`,
	Args: cobra.ExactArgs(5),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openReplica(cfg, args[0])
		defer db.Close()

		version, err := db.Put(context.Background(), args[1], args[2], args[3], args[4])
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s %s.%s[%s] = %q (version %d)\n", ui.RenderPass("✓"), args[1], args[3], args[2], args[4], version)
	},
}

var getCmd = &cobra.Command{
	Use:     "get <db> <table> <pk> <column>",
	GroupID: "data",
	Short:   "Read one cell from a local replica",
	Args:    cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openReplica(cfg, args[0])
		defer db.Close()

		val, ok, err := db.Get(context.Background(), args[1], args[2], args[3])
		if err != nil {
			fatalf("%v", err)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "%s %s.%s[%s] is not set\n", ui.RenderWarn("⚠"), args[1], args[3], args[2])
			os.Exit(1)
		}
		fmt.Println(val)
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
}

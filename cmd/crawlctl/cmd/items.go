package cmd

import (
	"errors"
	"os"

	"crawlcompose/lib/configutil"
	"crawlcompose/lib/sink"
	"crawlcompose/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var itemsDB string

func init() {
	itemsCmd.Flags().StringVar(&itemsDB, "db", "", "sqlite file to read, overrides sink.file")
	rootCmd.AddCommand(itemsCmd)
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Prints the items stored by previous crawls.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := configutil.ReadConfig[Config](rootFlags.config)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			serviceutil.Fatal("failed to read config", err)
		}
		if itemsDB != "" {
			cfg.Sink = sink.Config{Driver: "sqlite", File: itemsDB}
		}

		store, err := sink.Open(cmd.Context(), cfg.Sink)
		if err != nil {
			serviceutil.Fatal("failed to open sink", err)
		}
		defer store.Close()

		items, err := store.Items(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to read items", err)
		}
		sink.Render(os.Stdout, items)
	},
}

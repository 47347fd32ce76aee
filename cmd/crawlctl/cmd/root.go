package cmd

import (
	"fmt"
	"os"

	"crawlcompose/lib/telemetry"
	"crawlcompose/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var rootFlags struct {
	config string
	debug  bool
}

var rootCmd = &cobra.Command{
	Use:   "crawlctl",
	Short: "crawlctl runs composed crawl pipelines and inspects their results.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(rootFlags.debug)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "crawlctl.json5", "path to the crawl config")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.debug, "debug", false, "enable debug logs")
}

func Execute() {
	ctx := serviceutil.SignalContext()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

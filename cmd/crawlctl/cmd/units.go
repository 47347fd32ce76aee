package cmd

import (
	"fmt"
	"strings"

	"crawlcompose/lib/composer"
	"crawlcompose/lib/telemetry"
	"crawlcompose/lib/textutil"
	"crawlcompose/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var unitsFilter []string

func init() {
	unitsCmd.Flags().StringSliceVar(&unitsFilter, "filter", nil, "only list units whose id contains one of these")
	rootCmd.AddCommand(unitsCmd)
}

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "Lists the registered units and their place in the configured pipeline.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := readConfig(rootFlags.config, Config{})
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		reg, _, err := newRegistry(cfg, nil, telemetry.SlogAPI{})
		if err != nil {
			serviceutil.Fatal("failed to register units", err)
		}
		slots, err := composer.ResolveSpec(pipelineSpec(cfg), reg)
		if err != nil {
			serviceutil.Fatal("invalid pipeline", err)
		}

		priorities := map[string][]string{}
		for _, slot := range slots {
			priorities[slot.Unit] = append(priorities[slot.Unit], fmt.Sprint(slot.Priority))
		}

		t := newTable()
		t.AppendHeader(table.Row{"Unit", "Aliases", "Priorities"})
		for _, name := range reg.Names() {
			if !textutil.MatchName(name, unitsFilter) {
				continue
			}
			priority := "disabled"
			if p, ok := priorities[name]; ok {
				priority = strings.Join(p, ", ")
			}
			t.AppendRow(table.Row{name, strings.Join(reg.Aliases(name), ", "), priority})
		}
		t.Render()
	},
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"crawlcompose/lib/engine"
	"crawlcompose/lib/sink"
	"crawlcompose/lib/telemetry"
	"crawlcompose/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var crawlFlags struct {
	db     string
	mode   string
	dryRun bool
}

func init() {
	crawlCmd.Flags().StringVar(&crawlFlags.db, "db", "", "sqlite file receiving the items, overrides sink.file")
	crawlCmd.Flags().StringVar(&crawlFlags.mode, "mode", "", "composition mode (deferred or inline), overrides pipeline.mode")
	crawlCmd.Flags().BoolVar(&crawlFlags.dryRun, "dry-run", false, "crawl into memory and print the items instead of writing them to the sink")
	rootCmd.AddCommand(crawlCmd)
}

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Runs the configured pipeline.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := readConfig(rootFlags.config, Config{
			Pipeline: PipelineConfig{Mode: crawlFlags.mode},
			Sink:     sink.Config{File: crawlFlags.db},
		})
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}

		tel, err := telemetry.SetupFromEnv(ctx, "crawlctl")
		if err != nil {
			slog.Debug("telemetry is not configured", "err", err)
		}
		defer tel.Shutdown(context.Background())
		telemetry.InstrumentPerfStats(ctx, 5*time.Second)

		if crawlFlags.dryRun {
			err = describe(ctx, cfg, os.Stdout)
			if err != nil {
				serviceutil.Fatal("invalid pipeline", err)
			}
			out := sink.NewMemory(true)
			stats, err := crawl(ctx, cfg, out, telemetry.SlogAPI{})
			out.Render(os.Stdout)
			printStats(os.Stdout, stats)
			if err != nil {
				serviceutil.Fatal("crawl failed", err)
			}
			return
		}

		out, err := sink.Open(ctx, cfg.Sink)
		if err != nil {
			serviceutil.Fatal("failed to open sink", err)
		}
		defer out.Close()

		stats, err := crawl(ctx, cfg, out, telemetry.SlogAPI{})
		written, duplicates := out.Counts()
		slog.Info("crawl finished", "written", written, "duplicates", duplicates)
		printStats(os.Stdout, stats)
		if err != nil {
			serviceutil.Fatal("crawl failed", err)
		}
	},
}

func crawl(ctx context.Context, cfg Config, out engine.Sink, tel telemetry.API) (engine.Stats, error) {
	p, err := newPipeline(cfg, tel)
	if err != nil {
		return engine.Stats{}, err
	}
	p.runner.Sink = out
	return p.runner.Run(ctx)
}

// describe prints the resolved stages and the number of start requests.
func describe(ctx context.Context, cfg Config, w io.Writer) error {
	p, err := newPipeline(cfg, telemetry.SlogAPI{})
	if err != nil {
		return err
	}
	start, err := p.composer.Start(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Stage", "Unit", "Priority"})
	for _, stage := range p.composer.Stages() {
		t.AppendRow(table.Row{stage.Index, stage.Name(), stage.Priority})
	}
	t.AppendFooter(table.Row{"", p.composer.Mode().String(), fmt.Sprintf("%d start requests", len(start))})
	t.Render()
	return nil
}

func printStats(w io.Writer, stats engine.Stats) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Requests", "Responses", "Items", "Dropped lineages", "Skipped"})
	t.AppendRow(table.Row{stats.Requests, stats.Responses, stats.Items, stats.DroppedLineages, stats.Skipped})
	t.Render()
}

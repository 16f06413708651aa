// Command discover runs one discovery batch over the configured targets and
// prints the cutoff found for each market.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cutoff-lab/internal/app"
	"cutoff-lab/internal/config"
	"cutoff-lab/internal/logger"
	"cutoff-lab/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration")
	envOnly := flag.Bool("env-only", false, "Read configuration from CUTOFF_* environment variables only")
	force := flag.Bool("force", false, "Search even when a fresh cutoff is stored")
	skipFinalize := flag.Bool("skip-finalize", false, "Do not start the full-period backtests")
	useStub := flag.Bool("stub", false, "Use the simulated engine")
	outputJSON := flag.Bool("json", false, "Output the batch result as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, app.Overrides{Stub: *useStub, Force: *force, SkipFinalize: *skipFinalize}, *outputJSON); err != nil {
		log.Error("discovery failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger, ov app.Overrides, outputJSON bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log, ov)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.Targets) == 0 {
		return fmt.Errorf("no targets configured")
	}

	batch, err := a.Orchestrator.DiscoverAll(ctx, a.Targets)
	if batch != nil {
		if outputJSON {
			printJSON(batch)
		} else {
			printSummary(batch)
		}
	}
	if err != nil {
		return err
	}
	if len(batch.Results) == 0 {
		return fmt.Errorf("no cutoff discovered for %d targets", len(a.Targets))
	}
	return nil
}

type summaryLine struct {
	Market         string    `json:"market"`
	LabID          string    `json:"lab_id"`
	CutoffDate     time.Time `json:"cutoff_date,omitzero"`
	PrecisionHours int64     `json:"precision_hours"`
	Bracket        string    `json:"bracket,omitempty"`
	Cached         bool      `json:"cached"`
	Degraded       bool      `json:"degraded"`
	Reason         string    `json:"reason,omitempty"`
}

type batchOutput struct {
	RunID     string        `json:"run_id"`
	Results   []summaryLine `json:"results"`
	Finalized []string      `json:"finalized"`
	Errors    []string      `json:"errors"`
	Elapsed   string        `json:"elapsed"`
}

func summarize(res *orchestrator.Result) summaryLine {
	line := summaryLine{
		Market:   res.Target.Market.ID(),
		LabID:    res.Lab.ID,
		Cached:   res.Cached,
		Degraded: res.Degraded,
		Reason:   res.Reason,
	}
	if res.Record != nil {
		line.Market = res.Record.MarketID
		line.CutoffDate = res.Record.CutoffDate.UTC()
		line.PrecisionHours = res.Record.PrecisionHours
	}
	if res.Outcome != nil {
		line.Bracket = res.Outcome.Bracket().String()
	}
	return line
}

func printJSON(batch *orchestrator.BatchResult) {
	out := batchOutput{
		RunID:     batch.RunID,
		Finalized: batch.Finalized,
		Errors:    batch.Errors,
		Elapsed:   batch.FinishedAt.Sub(batch.StartedAt).String(),
	}
	for _, res := range batch.Results {
		out.Results = append(out.Results, summarize(res))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func printSummary(batch *orchestrator.BatchResult) {
	fmt.Printf("Run %s: %d discovered, %d finalized, %d errors\n",
		batch.RunID, len(batch.Results), len(batch.Finalized), len(batch.Errors))
	for _, res := range batch.Results {
		line := summarize(res)
		cutoff := "-"
		if !line.CutoffDate.IsZero() {
			cutoff = line.CutoffDate.Format("2006-01-02 15:04")
		}
		switch {
		case line.Degraded:
			fmt.Printf("  %-24s %s  DEGRADED %s (%s)\n", line.Market, cutoff, line.Bracket, line.Reason)
		case line.Cached:
			fmt.Printf("  %-24s %s  ±%dh (cached)\n", line.Market, cutoff, line.PrecisionHours)
		default:
			fmt.Printf("  %-24s %s  ±%dh %s\n", line.Market, cutoff, line.PrecisionHours, line.Bracket)
		}
	}
	for _, e := range batch.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

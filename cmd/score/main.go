// Command score runs the fraud scoring pipeline over a file of transactions
// and writes a CSV report.
//
// Usage:
//
//	go run ./cmd/score -file transactions.jsonl
//	go run ./cmd/score -file test-data.csv -limit 100 -out results.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/entropy/internal/artifacts"
	"github.com/mbd888/entropy/internal/batch"
	"github.com/mbd888/entropy/internal/config"
	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/logging"
	"github.com/mbd888/entropy/internal/scoring"
)

func main() {
	file := flag.String("file", "", "transactions to score (.jsonl or .csv)")
	format := flag.String("format", "", "input format: jsonl or csv (default: from the file extension)")
	limit := flag.Int("limit", 0, "score at most this many transactions (0 = all)")
	out := flag.String("out", "inference_results.csv", "report path, or - for stdout")
	quiet := flag.Bool("quiet", false, "do not print a line per transaction")
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*file, *format, *limit, *out, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "score:", err)
		os.Exit(1)
	}
}

func run(path, formatName string, limit int, outPath string, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	var format batch.Format
	if formatName != "" {
		format, err = batch.ParseFormat(formatName)
	} else {
		format, err = batch.DetectFormat(path)
	}
	if err != nil {
		return err
	}

	policy, err := features.ParseCollisionPolicy(cfg.FlattenCollisions)
	if err != nil {
		return err
	}
	art, err := artifacts.NewLoader(artifacts.Paths{
		FeatureOrder: cfg.FeatureOrderPath,
		EncodingMaps: cfg.EncodingMapsPath,
		GroupKeys:    cfg.GroupKeysPath,
		Categories:   cfg.CategoriesPath,
		ModelsDir:    cfg.ModelsDir,
	}, policy, logger).Load()
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	engine := scoring.NewEngine(art, scoring.Config{
		Threshold:   cfg.Threshold,
		TopK:        cfg.TopK,
		ReviewScore: cfg.ReviewScore,
		BlockScore:  cfg.BlockScore,
	}, scoring.WithLogger(logger))
	info := engine.Info()
	fmt.Fprintf(os.Stderr, "Loaded %d models, %d features\n", info.ModelsLoaded, info.FeaturesTotal)

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	src, err := batch.NewSource(in, format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	onRow := func(r batch.Row) {
		if quiet {
			return
		}
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "[%d] TX %s: error: %v\n", r.Index+1, r.TransactionID, r.Err)
			return
		}
		fmt.Fprintf(os.Stderr, "[%d] TX %s: %s (Risk: %.4f)\n", r.Index+1, r.TransactionID, r.Result.Prediction, r.Result.RiskScore)
	}
	rows, summary, runErr := batch.Run(ctx, engine, src, limit, onRow)

	fmt.Fprintf(os.Stderr, "\nTotal Processed: %d\nFraudulent: %d\nSafe: %d\nErrors: %d\n",
		summary.Total, summary.Fraud, summary.Safe, summary.Errors)

	if err := writeReport(outPath, rows); err != nil {
		return err
	}
	if outPath != "-" {
		fmt.Fprintf(os.Stderr, "Results exported to: %s\n", outPath)
	}
	return runErr
}

func writeReport(path string, rows []batch.Row) error {
	if path == "-" {
		return batch.WriteReport(os.Stdout, rows)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := batch.WriteReport(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

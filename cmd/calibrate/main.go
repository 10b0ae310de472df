package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/jose-keywrap/internal/calibrate"
	"github.com/kenneth/jose-keywrap/internal/crypto"
)

var (
	algorithms     []string
	iterations     []int
	workers        int
	samples        int
	target         time.Duration
	baselineDir    string
	threshold      float64
	prometheusURL  string
	verbose        bool
	updateBaseline bool
)

// errRegression makes the process exit non-zero without a usage dump.
var errRegression = errors.New("significant regression detected")

var rootCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure PBES2 iteration cost on this host",
	Long: `calibrate wraps and unwraps random keys with each PBES2 algorithm for a
range of p2c values, reports latency percentiles, and recommends the largest
p2c whose p95 latency fits the target. Results can be stored as a baseline and
compared on later runs.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringSliceVar(&algorithms, "algorithms", []string{
		crypto.AlgorithmPBES2HS256A128KW,
		crypto.AlgorithmPBES2HS384A192KW,
		crypto.AlgorithmPBES2HS512A256KW,
	}, "PBES2 algorithms to measure")
	flags.IntSliceVar(&iterations, "iterations", []int{1000, 8192, 100000, 310000, 600000}, "p2c values to measure")
	flags.IntVarP(&workers, "workers", "w", 4, "number of worker goroutines")
	flags.IntVarP(&samples, "samples", "n", 20, "wrap/unwrap pairs per algorithm and p2c")
	flags.DurationVar(&target, "target", 250*time.Millisecond, "p95 latency budget for recommendations")
	flags.StringVar(&baselineDir, "baseline-dir", "testdata/baselines", "directory for baseline files")
	flags.Float64Var(&threshold, "threshold", 10.0, "regression threshold percentage")
	flags.StringVar(&prometheusURL, "prometheus-url", "", "Prometheus URL for service latencies")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.BoolVar(&updateBaseline, "update-baseline", false, "update the baseline file instead of checking regression")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRegression) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	cfg := calibrate.Config{
		Algorithms:    algorithms,
		Iterations:    iterations,
		Workers:       workers,
		Samples:       samples,
		TargetLatency: target,
	}
	logger.WithFields(logrus.Fields{
		"algorithms": cfg.Algorithms,
		"iterations": cfg.Iterations,
		"workers":    cfg.Workers,
		"samples":    cfg.Samples,
		"target":     cfg.TargetLatency,
	}).Info("Starting PBES2 calibration")

	report, err := calibrate.Run(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}
	calibrate.PrintReport(report)

	if prometheusURL != "" {
		printServiceMetrics(ctx, logger)
	}

	baselineFile := filepath.Join(baselineDir, "pbes2_calibration_baseline.json")
	if updateBaseline {
		if err := calibrate.SaveBaseline(report, baselineFile); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		logger.WithField("file", baselineFile).Info("Baseline updated")
		return nil
	}

	regression, err := calibrate.AnalyzeRegression(report, baselineFile, threshold)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("No baseline found, run with --update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	calibrate.PrintRegressionResult(regression)
	if regression.SignificantRegression {
		return errRegression
	}
	return nil
}

func printServiceMetrics(ctx context.Context, logger *logrus.Logger) {
	values, err := calibrate.QueryPrometheus(ctx, prometheusURL, calibrate.ServiceQueries, time.Now(), logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to query Prometheus metrics")
		return
	}

	fmt.Println("--- Service Metrics ---")
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: %v\n", name, values[name])
	}
	fmt.Println()
}

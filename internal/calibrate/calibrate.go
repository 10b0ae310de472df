// Package calibrate measures what PBES2 iteration counts cost on the current
// host so operators can pick pbes2.default_iterations and pbes2.max_iterations.
package calibrate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/jose-keywrap/internal/crypto"
)

// Config holds the calibration parameters.
type Config struct {
	Algorithms    []string
	Iterations    []int
	Workers       int
	Samples       int           // wrap/unwrap pairs per algorithm and iteration count
	TargetLatency time.Duration // p95 budget used for recommendations
	Passphrase    string
}

// Result holds the measurements for one algorithm and iteration count.
type Result struct {
	Algorithm  string        `json:"algorithm"`
	Iterations int           `json:"iterations"`
	Samples    int64         `json:"samples"`
	Failed     int64         `json:"failed"`
	AvgLatency time.Duration `json:"avg_latency"`
	P50Latency time.Duration `json:"p50_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`
	Throughput float64       `json:"throughput_ops_per_sec"`
}

// Report is the outcome of a calibration run.
type Report struct {
	Timestamp       time.Time      `json:"timestamp"`
	Results         []*Result      `json:"results"`
	Recommendations map[string]int `json:"recommendations"`
}

// RegressionResult compares a report against a stored baseline.
type RegressionResult struct {
	SignificantRegression bool
	Details               []string
}

// Run measures every algorithm and iteration count in cfg. Each sample is a
// wrap followed by an unwrap of a random CEK, so it includes two derivations.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Report, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Samples < 1 {
		return nil, fmt.Errorf("samples must be positive")
	}
	if cfg.Passphrase == "" {
		cfg.Passphrase = "calibration passphrase"
	}

	maxIterations := 0
	for _, n := range cfg.Iterations {
		if n < 1 {
			return nil, fmt.Errorf("iteration count must be positive, got %d", n)
		}
		if n > maxIterations {
			maxIterations = n
		}
	}
	registry := crypto.DefaultRegistry(crypto.WithMaxIterations(maxIterations)).Restrict(cfg.Algorithms)

	report := &Report{Timestamp: time.Now()}
	for _, alg := range cfg.Algorithms {
		if !crypto.IsPBES2(alg) {
			return nil, fmt.Errorf("%w: %s is not a PBES2 algorithm", crypto.ErrUnsupportedAlgorithm, alg)
		}
		km, err := registry.Lookup(alg)
		if err != nil {
			return nil, err
		}
		for _, n := range cfg.Iterations {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res := measure(ctx, km, alg, n, cfg)
			logger.WithFields(logrus.Fields{
				"algorithm":  alg,
				"iterations": n,
				"p95":        res.P95Latency,
				"failed":     res.Failed,
			}).Debug("Calibration step completed")
			report.Results = append(report.Results, res)
		}
	}
	report.Recommendations = Recommend(report.Results, cfg.TargetLatency)
	return report, nil
}

func measure(ctx context.Context, km crypto.KeyManagement, alg string, iterations int, cfg Config) *Result {
	res := &Result{Algorithm: alg, Iterations: iterations}
	cekBits := crypto.KEKSizeBits(alg) * 2

	jobs := make(chan struct{})
	var wg sync.WaitGroup
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				opStart := time.Now()
				err := roundTrip(km, alg, iterations, cekBits, cfg.Passphrase)
				latency := time.Since(opStart)
				atomic.AddInt64(&res.Samples, 1)
				if err != nil {
					atomic.AddInt64(&res.Failed, 1)
					continue
				}
				latenciesMu.Lock()
				latencies = append(latencies, latency)
				latenciesMu.Unlock()
			}
		}()
	}

feed:
	for i := 0; i < cfg.Samples; i++ {
		select {
		case jobs <- struct{}{}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	summarize(res, latencies)
	if elapsed > 0 {
		res.Throughput = float64(res.Samples-res.Failed) / elapsed.Seconds()
	}
	return res
}

func roundTrip(km crypto.KeyManagement, alg string, iterations, cekBits int, passphrase string) error {
	header := crypto.Header{
		crypto.HeaderAlgorithm:  alg,
		crypto.HeaderPBES2Count: iterations,
	}
	cek, encrypted, err := km.WrapNewKey(cekBits, passphrase, header)
	if err != nil {
		return err
	}
	defer clear(cek)

	out, err := km.Unwrap(encrypted, passphrase, cekBits, header)
	if err != nil {
		return err
	}
	clear(out)
	return nil
}

func summarize(res *Result, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	res.AvgLatency = averageLatency(sorted)
	res.P50Latency = percentileLatency(sorted, 0.5)
	res.P95Latency = percentileLatency(sorted, 0.95)
	res.P99Latency = percentileLatency(sorted, 0.99)
	res.MinLatency = sorted[0]
	res.MaxLatency = sorted[len(sorted)-1]
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range latencies {
		total += lat
	}
	return total / time.Duration(len(latencies))
}

// percentileLatency expects sorted input.
func percentileLatency(sorted []time.Duration, percentile float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * percentile)
	return sorted[index]
}

// Recommend returns, per algorithm, the largest measured iteration count whose
// p95 latency fits target. Algorithms where nothing fits are omitted.
func Recommend(results []*Result, target time.Duration) map[string]int {
	out := make(map[string]int)
	if target <= 0 {
		return out
	}
	for _, res := range results {
		if res.Samples == 0 || res.Failed > 0 || res.P95Latency > target {
			continue
		}
		if res.Iterations > out[res.Algorithm] {
			out[res.Algorithm] = res.Iterations
		}
	}
	return out
}

// SaveBaseline writes report to filename as JSON.
func SaveBaseline(report *Report, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func loadBaseline(filename string) (*Report, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// AnalyzeRegression compares the p95 latency of every measurement in current
// against the baseline stored in baselineFile. threshold is a percentage.
func AnalyzeRegression(current *Report, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := loadBaseline(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	type key struct {
		alg string
		n   int
	}
	previous := make(map[key]*Result, len(baseline.Results))
	for _, r := range baseline.Results {
		previous[key{r.Algorithm, r.Iterations}] = r
	}

	result := &RegressionResult{}
	for _, r := range current.Results {
		base, ok := previous[key{r.Algorithm, r.Iterations}]
		if !ok || base.P95Latency <= 0 {
			continue
		}
		change := float64(r.P95Latency-base.P95Latency) / float64(base.P95Latency) * 100
		if change > threshold && !math.IsInf(change, 0) {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("%s p2c=%d: p95 latency up %.2f%% (threshold: %.2f%%)",
				r.Algorithm, r.Iterations, change, threshold))
		}
	}
	return result, nil
}

// PrintReport prints a calibration report.
func PrintReport(report *Report) {
	fmt.Printf("\n=== PBES2 Calibration (%s) ===\n", report.Timestamp.Format(time.RFC3339))
	fmt.Printf("%-20s %10s %8s %12s %12s %12s %10s\n", "ALGORITHM", "P2C", "SAMPLES", "AVG", "P95", "P99", "OPS/S")
	for _, r := range report.Results {
		fmt.Printf("%-20s %10d %8d %12v %12v %12v %10.2f\n",
			r.Algorithm, r.Iterations, r.Samples, r.AvgLatency, r.P95Latency, r.P99Latency, r.Throughput)
	}

	if len(report.Recommendations) > 0 {
		fmt.Printf("\n--- Recommended default_iterations ---\n")
		algs := make([]string, 0, len(report.Recommendations))
		for alg := range report.Recommendations {
			algs = append(algs, alg)
		}
		sort.Strings(algs)
		for _, alg := range algs {
			fmt.Printf("%s: %d\n", alg, report.Recommendations[alg])
		}
	}
	fmt.Printf("==============================\n\n")
}

// PrintRegressionResult prints regression analysis results.
func PrintRegressionResult(result *RegressionResult) {
	fmt.Printf("\n=== Regression Analysis ===\n")
	fmt.Printf("Significant Regression: %t\n", result.SignificantRegression)
	for _, detail := range result.Details {
		fmt.Printf("- %s\n", detail)
	}
	fmt.Printf("===========================\n\n")
}

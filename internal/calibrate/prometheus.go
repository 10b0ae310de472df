package calibrate

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// ServiceQueries are the production latencies shown next to a calibration run.
var ServiceQueries = map[string]string{
	"key_operation_p95_seconds": `histogram_quantile(0.95, sum by (le) (rate(key_operation_duration_seconds_bucket[5m])))`,
	"pbes2_iterations_p50":      `histogram_quantile(0.5, sum by (le) (rate(pbes2_iterations_bucket[5m])))`,
	"key_operation_error_rate":  `sum(rate(key_operation_errors_total[5m]))`,
	"http_request_p95_seconds":  `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket[5m])))`,
}

// QueryPrometheus evaluates queries at ts against the Prometheus server at
// address. Queries that return no samples are left out of the result.
func QueryPrometheus(ctx context.Context, address string, queries map[string]string, ts time.Time, logger *logrus.Logger) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, err
	}
	v1api := v1.NewAPI(client)

	results := make(map[string]float64)
	for name, query := range queries {
		value, warnings, err := v1api.Query(ctx, query, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 && logger != nil {
			logger.WithFields(logrus.Fields{
				"query":    name,
				"warnings": warnings,
			}).Warn("Prometheus returned warnings")
		}

		switch v := value.(type) {
		case model.Vector:
			if len(v) > 0 {
				results[name] = float64(v[0].Value)
			}
		case *model.Scalar:
			results[name] = float64(v.Value)
		}
	}
	return results, nil
}

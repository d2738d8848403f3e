package usecase

import "context"

// MetricsSummary represents aggregated auth insights.
type MetricsSummary struct {
	TotalAttempts      int64   `json:"total_attempts"`
	SuccessfulAttempts int64   `json:"successful_attempts"`
	SuccessRate        float64 `json:"success_rate"`
	VerifyAttempts     int64   `json:"verify_attempts"`
	AverageDistance    float64 `json:"average_distance"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates auth metrics from the attempt log.
func (s *AuthService) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := s.attempts.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAttempts:      aggregation.TotalCount,
		SuccessfulAttempts: aggregation.SuccessCount,
		VerifyAttempts:     aggregation.VerifyCount,
		AverageDistance:    aggregation.AverageDistance,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

package processor

import (
	"context"
	"time"

	"payout-engine/services/payout"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	outcomeCompleted = "completed"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
)

var (
	statsCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_stats_cache_hits_total",
		Help: "Job statistics served from the in-process cache.",
	})
	statsCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_stats_cache_miss_total",
		Help: "Job statistics recomputed from the database.",
	})
)

type metrics struct {
	processed metric.Int64Counter
	duration  metric.Float64Histogram
	conflicts metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter("payout-engine/processor")

	processed, err := meter.Int64Counter("payout_jobs_processed_total",
		metric.WithDescription("Payout jobs that left processing, by rail and outcome."),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("payout_provider_call_duration_seconds",
		metric.WithDescription("Latency of CreatePayout provider calls."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("payout_jobs_claim_conflicts_total",
		metric.WithDescription("Claims lost to another worker."),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{processed: processed, duration: duration, conflicts: conflicts}, nil
}

func (m *metrics) outcome(ctx context.Context, r payout.Rail, outcome string) {
	m.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rail", string(r)),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) providerCall(ctx context.Context, r payout.Rail, took time.Duration) {
	m.duration.Record(ctx, took.Seconds(), metric.WithAttributes(attribute.String("rail", string(r))))
}

func (m *metrics) claimConflict(ctx context.Context) {
	m.conflicts.Add(ctx, 1)
}

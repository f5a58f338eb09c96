package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("citefold.cache")

var (
	computeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citefold_cache_computations_total",
		Help: "Tree computations by breakdown and result",
	}, []string{"breakdown", "result"})

	computeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "citefold_cache_compute_duration_seconds",
		Help:    "Duration of tree computations including persistence",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4min
	}, []string{"breakdown"})

	loadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citefold_cache_loads_total",
		Help: "Pruned trees loaded from the store",
	}, []string{"breakdown"})

	waitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citefold_cache_waits_total",
		Help: "Requests that blocked on an in-flight computation",
	}, []string{"breakdown"})

	recoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citefold_cache_recovered_total",
		Help: "Keys marked done from persisted trees without computing",
	})
)

func startSpan(ctx context.Context, operation string, req Request) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller."+operation,
		trace.WithAttributes(
			attribute.String("cache.entity", req.Entity),
			attribute.String("cache.breakdown", req.Breakdown),
			attribute.Int64("cache.root", int64(req.Root)),
			attribute.String("cache.filter", req.Filter),
			attribute.Int("cache.period", req.Period),
		),
	)
}

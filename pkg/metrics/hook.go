// Package metrics is the ingestion hook the refresh engine drives (spec.md
// §1, §4.7): it records per-fetch outcomes and runs the periodic cleanup
// cycle. The aggregation/reporting subsystem that reads these collectors is
// out of scope; only the ingestion side lives here.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/eventbus"
)

// Registry holds Pipedash's own collectors, separate from the default
// registry so embedding doesn't collide with anything else in-process.
var Registry = prometheus.NewRegistry()

var (
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipedash",
			Subsystem: "refresh",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single provider fetch.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider_id", "outcome"},
	)

	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipedash",
			Subsystem: "refresh",
			Name:      "fetches_total",
			Help:      "Total number of provider fetches, by outcome.",
		},
		[]string{"provider_id", "outcome"},
	)

	pipelinesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipedash",
			Subsystem: "refresh",
			Name:      "pipelines_tracked",
			Help:      "Number of pipelines currently held across every provider's cache.",
		},
	)
)

func init() {
	Registry.MustRegister(fetchDuration, fetchTotal, pipelinesTracked)
}

// Hook is the refresh engine's metrics collaborator, satisfying
// refresh.MetricsCleaner, with an additional Record entry point the engine
// calls once per completed priority-queue provider fetch.
type Hook struct {
	bus    *eventbus.Bus
	logger *zap.SugaredLogger
}

// New builds a Hook that emits MetricsGenerated on the bus after each cleanup
// cycle, per spec.md §3's event table.
func New(bus *eventbus.Bus, logger *zap.SugaredLogger) *Hook {
	return &Hook{bus: bus, logger: logger}
}

// Record reports one provider fetch's outcome and duration.
func (h *Hook) Record(providerID int64, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	label := formatProviderID(providerID)
	fetchDuration.WithLabelValues(label, outcome).Observe(duration.Seconds())
	fetchTotal.WithLabelValues(label, outcome).Inc()
}

// SetPipelinesTracked updates the gauge tracking total cached pipeline count
// across all providers, called after every full refresh.
func (h *Hook) SetPipelinesTracked(count int) {
	pipelinesTracked.Set(float64(count))
}

// Cleanup runs the 6h metrics maintenance cycle the refresh engine drives
// (spec.md §4.7 tick 4): it resets per-provider counters so a removed
// provider's labels don't accumulate indefinitely, and emits
// MetricsGenerated.
func (h *Hook) Cleanup(ctx context.Context) error {
	fetchDuration.Reset()
	fetchTotal.Reset()
	h.bus.Emit(domain.Event{
		Type:      domain.EventMetricsGenerated,
		Timestamp: time.Now().UTC(),
	})
	h.logger.Debugw("metrics cleanup cycle completed")
	return nil
}

func formatProviderID(id int64) string {
	const base = 10
	return strconv.FormatInt(id, base)
}

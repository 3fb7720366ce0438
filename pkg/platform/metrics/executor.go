// Package metrics publishes the state of a concurrent.TrackedExecutor to
// metric registries.
//
// Metric names follow "<prefix>executor.<name>". Prometheus receives them in
// its own naming form (dots become underscores, lifecycle counters gain a
// "_tasks_total" suffix); OpenTelemetry receives the dotted names verbatim.
// Every series carries a "name" label identifying the executor.
//
// Binding only reads the executor. Values are sampled on scrape, so no
// bookkeeping is added to the task path.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"audittrail/pkg/platform/concurrent"
)

// NameLabel is the label carrying the executor name.
const NameLabel = "name"

type gauge struct {
	name string
	help string
	read func(concurrent.Pool) int
}

type counter struct {
	name string
	help string
	read func(concurrent.Tracker) int64
}

var gauges = []gauge{
	{"executor.pool.size", "Current number of workers in the pool", concurrent.Pool.PoolSize},
	{"executor.pool.core", "Number of workers kept alive while idle", concurrent.Pool.CoreSize},
	{"executor.pool.max", "Maximum number of workers", concurrent.Pool.MaxSize},
	{"executor.active", "Number of tasks currently running", concurrent.Pool.ActiveCount},
	{"executor.queued", "Number of tasks waiting in the queue", concurrent.Pool.QueueSize},
	{"executor.queue.remaining", "Remaining queue capacity", concurrent.Pool.RemainingCapacity},
}

var counters = []counter{
	{"executor.submitted", "Tasks handed to the executor, accepted or not", concurrent.Tracker.SubmittedTaskCount},
	{"executor.completed", "Tasks that ran to completion without error", concurrent.Tracker.CompletedTaskCount},
	{"executor.failed", "Tasks that returned an error, panicked or were cancelled", concurrent.Tracker.FailedTaskCount},
	{"executor.rejected", "Tasks rejected by the executor's rejection policy", concurrent.Tracker.RejectedTaskCount},
}

// ExecutorMetrics binds the native pool metrics and, when the pool is also a
// concurrent.Tracker, its lifecycle counters.
type ExecutorMetrics struct {
	pool    concurrent.Pool
	tracker concurrent.Tracker
	name    string
	prefix  string
	labels  map[string]string
}

// NewExecutorMetrics describes the metrics of pool under name. prefix is
// prepended verbatim to every metric name, e.g. "audit." yields
// "audit.executor.submitted". labels are added to every series.
func NewExecutorMetrics(pool concurrent.Pool, name, prefix string, labels map[string]string) *ExecutorMetrics {
	m := &ExecutorMetrics{
		pool:   pool,
		name:   name,
		prefix: prefix,
		labels: maps.Clone(labels),
	}
	if t, ok := pool.(concurrent.Tracker); ok {
		m.tracker = t
	}
	return m
}

// MetricName returns the dotted name for a metric, e.g. "executor.rejected".
func (m *ExecutorMetrics) MetricName(metric string) string {
	return m.prefix + metric
}

// BindTo registers the executor metrics with reg. Binding the same executor
// twice to one registry is a no-op.
func (m *ExecutorMetrics) BindTo(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return fmt.Errorf("register executor metrics for %q: %w", m.name, err)
		}
	}
	return nil
}

// Collectors returns the Prometheus collectors backing BindTo.
func (m *ExecutorMetrics) Collectors() []prometheus.Collector {
	constLabels := m.constLabels()
	out := make([]prometheus.Collector, 0, len(gauges)+len(counters))
	for _, g := range gauges {
		read := g.read
		out = append(out, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        PrometheusName(m.MetricName(g.name)),
			Help:        g.help,
			ConstLabels: constLabels,
		}, func() float64 { return float64(read(m.pool)) }))
	}
	if m.tracker == nil {
		return out
	}
	for _, c := range counters {
		read := c.read
		out = append(out, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        PrometheusName(m.MetricName(c.name)) + "_tasks_total",
			Help:        c.help,
			ConstLabels: constLabels,
		}, func() float64 { return float64(read(m.tracker)) }))
	}
	return out
}

// BindMeter registers observable instruments on meter.
func (m *ExecutorMetrics) BindMeter(meter metric.Meter) error {
	attrs := metric.WithAttributes(m.attributes()...)

	for _, g := range gauges {
		read := g.read
		_, err := meter.Int64ObservableGauge(m.MetricName(g.name),
			metric.WithDescription(g.help),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(read(m.pool)), attrs)
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("create instrument %s: %w", m.MetricName(g.name), err)
		}
	}
	if m.tracker == nil {
		return nil
	}
	for _, c := range counters {
		read := c.read
		_, err := meter.Int64ObservableCounter(m.MetricName(c.name),
			metric.WithDescription(c.help),
			metric.WithUnit("{task}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(m.tracker), attrs)
				return nil
			}),
		)
		if err != nil {
			return fmt.Errorf("create instrument %s: %w", m.MetricName(c.name), err)
		}
	}
	return nil
}

func (m *ExecutorMetrics) constLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	for k, v := range m.labels {
		labels[PrometheusName(k)] = v
	}
	labels[NameLabel] = m.name
	return labels
}

func (m *ExecutorMetrics) attributes() []attribute.KeyValue {
	keys := slices.Sorted(maps.Keys(m.labels))
	attrs := make([]attribute.KeyValue, 0, len(keys)+1)
	for _, k := range keys {
		if k == NameLabel {
			continue
		}
		attrs = append(attrs, attribute.String(k, m.labels[k]))
	}
	return append(attrs, attribute.String(NameLabel, m.name))
}

var invalidPromChars = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

// PrometheusName maps a dotted metric name to a valid Prometheus name.
func PrometheusName(name string) string {
	return invalidPromChars.ReplaceAllString(name, "_")
}

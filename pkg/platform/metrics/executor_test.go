package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"audittrail/pkg/platform/concurrent"
)

// runWorkload drives an executor to a known set of counter values:
// 3 completed, 1 failed, 2 rejected (6 submitted).
func runWorkload(t *testing.T) *concurrent.TrackedExecutor {
	t.Helper()
	e, err := concurrent.New(1, 1,
		concurrent.WithName("asyncAuditExecutor"),
		concurrent.WithRejectionPolicy(concurrent.PolicyDiscard),
	)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		fail := i == 3
		require.NoError(t, e.Execute(ctx, concurrent.TaskFunc(func(context.Context) error {
			if fail {
				return errors.New("boom")
			}
			return nil
		})))
	}
	e.Shutdown()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.AwaitTermination(waitCtx))

	require.NoError(t, e.Execute(ctx, concurrent.TaskFunc(func(context.Context) error { return nil })))
	require.NoError(t, e.Execute(ctx, concurrent.TaskFunc(func(context.Context) error { return nil })))
	return e
}

func gathered(t *testing.T, reg *prometheus.Registry) map[string]*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.Metric, len(families))
	for _, mf := range families {
		require.Len(t, mf.GetMetric(), 1, mf.GetName())
		out[mf.GetName()] = mf.GetMetric()[0]
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestBindTo_ExposesCountersAndGauges(t *testing.T) {
	e := runWorkload(t)
	reg := prometheus.NewPedanticRegistry()
	m := NewExecutorMetrics(e, "asyncAuditExecutor", "wd.commons.audit.", map[string]string{"service": "auditd"})

	require.NoError(t, m.BindTo(reg))
	got := gathered(t, reg)

	counters := map[string]float64{
		"wd_commons_audit_executor_submitted_tasks_total": 6,
		"wd_commons_audit_executor_completed_tasks_total": 3,
		"wd_commons_audit_executor_failed_tasks_total":    1,
		"wd_commons_audit_executor_rejected_tasks_total":  2,
	}
	for name, want := range counters {
		metric, ok := got[name]
		require.True(t, ok, "missing %s", name)
		assert.Equal(t, want, metric.GetCounter().GetValue(), name)
		assert.Equal(t, "asyncAuditExecutor", labelValue(metric, NameLabel))
		assert.Equal(t, "auditd", labelValue(metric, "service"))
	}

	assert.Equal(t, float64(1), got["wd_commons_audit_executor_pool_core"].GetGauge().GetValue())
	assert.Equal(t, float64(1), got["wd_commons_audit_executor_pool_max"].GetGauge().GetValue())
	assert.Equal(t, float64(0), got["wd_commons_audit_executor_pool_size"].GetGauge().GetValue())
	assert.Equal(t, float64(0), got["wd_commons_audit_executor_queued"].GetGauge().GetValue())
	assert.Contains(t, got, "wd_commons_audit_executor_queue_remaining")
	assert.Contains(t, got, "wd_commons_audit_executor_active")
}

func TestBindTo_TwiceIsNoOp(t *testing.T) {
	e := runWorkload(t)
	reg := prometheus.NewRegistry()
	m := NewExecutorMetrics(e, "audit", "", nil)

	require.NoError(t, m.BindTo(reg))
	require.NoError(t, m.BindTo(reg))

	got := gathered(t, reg)
	assert.Equal(t, float64(6), got["executor_submitted_tasks_total"].GetCounter().GetValue())
}

func TestBindTo_ReadsLiveValues(t *testing.T) {
	e, err := concurrent.New(1, 1)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	require.NoError(t, NewExecutorMetrics(e, "live", "", nil).BindTo(reg))

	assert.Equal(t, float64(0), gathered(t, reg)["executor_submitted_tasks_total"].GetCounter().GetValue())

	e.Shutdown()
	assert.Error(t, e.Execute(context.Background(), concurrent.TaskFunc(func(context.Context) error { return nil })))
	got := gathered(t, reg)
	assert.Equal(t, float64(1), got["executor_submitted_tasks_total"].GetCounter().GetValue())
	assert.Equal(t, float64(1), got["executor_rejected_tasks_total"].GetCounter().GetValue())
}

// poolOnly implements concurrent.Pool without the lifecycle counters.
type poolOnly struct{}

func (poolOnly) PoolSize() int          { return 2 }
func (poolOnly) CoreSize() int          { return 2 }
func (poolOnly) MaxSize() int           { return 4 }
func (poolOnly) ActiveCount() int       { return 1 }
func (poolOnly) QueueSize() int         { return 7 }
func (poolOnly) RemainingCapacity() int { return 93 }

func TestBindTo_PlainPoolHasNoCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewExecutorMetrics(poolOnly{}, "plain", "", nil).BindTo(reg))

	got := gathered(t, reg)
	assert.Len(t, got, 6)
	assert.Equal(t, float64(7), got["executor_queued"].GetGauge().GetValue())
	assert.NotContains(t, got, "executor_submitted_tasks_total")
}

func TestBindMeter_ObservesCounters(t *testing.T) {
	e := runWorkload(t)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m := NewExecutorMetrics(e, "asyncAuditExecutor", "wd.commons.audit.", map[string]string{"service": "auditd"})
	require.NoError(t, m.BindMeter(provider.Meter("audittrail")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]metricdata.DataPoint[int64]{}
	gaugeValues := map[string]int64{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		switch data := md.Data.(type) {
		case metricdata.Sum[int64]:
			require.Len(t, data.DataPoints, 1)
			assert.True(t, data.IsMonotonic)
			sums[md.Name] = data.DataPoints[0]
		case metricdata.Gauge[int64]:
			require.Len(t, data.DataPoints, 1)
			gaugeValues[md.Name] = data.DataPoints[0].Value
		}
	}

	want := map[string]int64{
		"wd.commons.audit.executor.submitted": 6,
		"wd.commons.audit.executor.completed": 3,
		"wd.commons.audit.executor.failed":    1,
		"wd.commons.audit.executor.rejected":  2,
	}
	for name, v := range want {
		dp, ok := sums[name]
		require.True(t, ok, "missing %s", name)
		assert.Equal(t, v, dp.Value, name)
		executor, _ := dp.Attributes.Value(attribute.Key(NameLabel))
		assert.Equal(t, "asyncAuditExecutor", executor.AsString())
		svc, _ := dp.Attributes.Value("service")
		assert.Equal(t, "auditd", svc.AsString())
	}
	assert.Equal(t, int64(1), gaugeValues["wd.commons.audit.executor.pool.max"])
	assert.Len(t, gaugeValues, 6)
}

func TestPrometheusName(t *testing.T) {
	assert.Equal(t, "wd_commons_audit_executor_pool_size", PrometheusName("wd.commons.audit.executor.pool.size"))
	assert.Equal(t, "audit_executor_queued", PrometheusName("audit-executor.queued"))
}

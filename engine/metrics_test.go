package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/flowengine/graph"
)

func TestMetricsRecordRunLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("flowengine", reg)

	eng := New(Options{Config: fastConfig(), Metrics: metrics})
	require.NoError(t, eng.Registry().RegisterFunc(graph.NodeCustomCode,
		func(_ context.Context, config, vars map[string]any) (map[string]any, error) {
			return nil, nil
		}))

	work := graph.Node{ID: "work", Type: graph.NodeCustomCode,
		Config: map[string]any{"handler": "x"}}

	rn, err := eng.StartRun(context.Background(), linearDef(t, work), nil)
	require.NoError(t, err)
	waitDone(t, rn)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.runsTotal.WithLabelValues(string(RunCompleted))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.nodesTotal.WithLabelValues(string(graph.NodeCustomCode), string(NodeCompleted))))
}

func TestMetricsCountRetries(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics("flowengine", reg)

	eng := New(Options{Config: fastConfig(), Metrics: metrics})
	require.NoError(t, eng.Registry().RegisterFunc(graph.NodeCustomCode,
		func(_ context.Context, config, vars map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		}))

	work := graph.Node{ID: "work", Type: graph.NodeCustomCode,
		Config: map[string]any{"handler": "x", "retries": 2}}

	rn, err := eng.StartRun(context.Background(), linearDef(t, work), nil)
	require.NoError(t, err)
	waitDone(t, rn)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.nodeRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.runsTotal.WithLabelValues(string(RunFailed))))
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.runStarted()
	m.runFinished(RunCompleted)
	m.nodeFinished("custom_code", NodeCompleted, 0)
	m.nodeRetried()
	m.suspended(1)
}

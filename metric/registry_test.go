package metric

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, r *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camera_frames_total",
		Help: "Frames acquired by the camera",
	})
	require.NoError(t, registry.RegisterCounter("cam", "frames", counter))
	counter.Inc()

	mf := gather(t, registry, "camera_frames_total")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	g1 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "stage_speed", Help: "speed"})
	g2 := prometheus.NewGauge(prometheus.GaugeOpts{Name: "stage_speed", Help: "speed"})

	require.NoError(t, registry.RegisterGauge("stage", "speed", g1))
	err := registry.RegisterGauge("stage", "speed", g2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")

	err = registry.RegisterGauge("other", "speed", g2)
	require.Error(t, err, "prometheus must reject the same fully qualified name")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "move_seconds", Help: "move time"})

	require.NoError(t, registry.RegisterHistogram("stage", "move", h))
	assert.True(t, registry.Unregister("stage", "move"))
	assert.False(t, registry.Unregister("stage", "move"))

	require.NoError(t, registry.RegisterHistogram("stage", "move", h))
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordRemoteCall("det", "va.set", nil, 3*time.Millisecond)
	m.RecordRemoteCall("det", "va.set", errors.New("rejected"), time.Millisecond)
	m.RecordFutureCompleted("cancelled")
	m.RecordContainerAlive("det", false)

	calls := gather(t, registry, "semscope_rpc_calls_total")
	require.NotNil(t, calls)
	assert.Len(t, calls.GetMetric(), 2)

	alive := gather(t, registry, "semscope_container_alive")
	require.NotNil(t, alive)
	assert.Equal(t, 0.0, alive.GetMetric()[0].GetGauge().GetValue())
}

func TestCoreMetrics_NilSafe(t *testing.T) {
	var registry *MetricsRegistry
	m := registry.CoreMetrics()
	assert.Nil(t, m)

	assert.NotPanics(t, func() {
		m.RecordBlockDelivered("cam.data")
		m.RecordEventTriggered("cam.softwareTrigger")
		m.RecordNATSStatus(true)
	})
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordNATSStatus(true)

	var healthy atomic.Bool
	healthy.Store(true)
	srv := NewServer("127.0.0.1:0", "", registry, func() (bool, any) { return healthy.Load(), "root" })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy.Store(false)
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["healthy"])
	assert.Equal(t, "root", body["detail"])
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}

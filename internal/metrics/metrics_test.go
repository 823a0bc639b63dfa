package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jduanen/CritterDetector/internal/model"
)

func TestMetrics_Commands(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CommandHandled("scan", "", 3*time.Millisecond)
	m.CommandHandled("scan", "", time.Millisecond)
	m.CommandHandled("scan", model.KindScanTimeout, time.Second)
	m.CommandHandled("", model.KindMalformedMessage, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("scan", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("scan", string(model.KindScanTimeout))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("unknown", string(model.KindMalformedMessage))))
}

func TestMetrics_FramesAndState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("uninitialized")))

	m.StateChanged(model.StateUninitialized, model.StateReady)
	m.StateChanged(model.StateReady, model.StateStreaming)
	m.FrameCaptured(model.ScanFrame{Points: make([]model.ScanPoint, 400)})
	m.FrameCaptured(model.ScanFrame{})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("streaming")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("uninitialized")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("streaming")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.TrackConnections(func() (int, int) { return 3, 1 })
	m.CommandHandled("init", "", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `lidar_commands_total{command="init",result="ok"} 1`)
	assert.Contains(t, text, `lidar_connections{channel="command"} 3`)
	assert.Contains(t, text, `lidar_connections{channel="data"} 1`)
	assert.Contains(t, text, "go_goroutines")
}

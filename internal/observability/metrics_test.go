package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"keyvoxdesk/internal/client"
	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/reconnect"
	"keyvoxdesk/internal/session"
)

var (
	_ client.Metrics    = (*Metrics)(nil)
	_ session.Metrics   = (*Metrics)(nil)
	_ reconnect.Metrics = (*Metrics)(nil)
)

func TestMetricsRecordCounters(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveCommand("ping", "ok", 20*time.Millisecond)
	m.ObserveCommand("ping", "timeout", time.Second)
	m.IncDecodeErrors()
	m.IncReconnectAttempts("failed")
	m.IncEventsApplied("state")
	m.IncEventsApplied("state")

	require.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("ping", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("ping", "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("failed")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.EventsApplied.WithLabelValues("state")))
}

func TestConnectionStatusGaugeIsExclusive(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("disconnected")))

	m.SetConnectionStatus(domain.ConnectionConnected)
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connected")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("disconnected")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveCommand("get_config", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `keyvoxdesk_commands_total{outcome="ok",type="get_config"} 1`))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveCommand("ping", "ok", 0)
	m.IncDecodeErrors()
	m.SetConnectionStatus(domain.ConnectionError)
	m.IncReconnectAttempts("failed")
	m.IncEventsApplied("state")
}

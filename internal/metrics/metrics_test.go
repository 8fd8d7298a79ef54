package metrics

import (
	"net/http"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/observability"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	return collector
}

func TestErrorCounters(t *testing.T) {
	collector := setupTelemetry(t)

	RecordError("ALL_CREDENTIALS_COOLING", http.StatusTooManyRequests)
	RecordErrorByEndpoint("/v1/generate", "ALL_CREDENTIALS_COOLING")
	RecordPanic()

	require.Positive(t, collector.CountMetricsByName(ErrorsTotalName))
	require.Positive(t, collector.CountMetricsByName(ErrorsByEndpointName))
	require.Positive(t, collector.CountMetricsByName(PanicsTotalName))
}

func TestGatewayRecorder(t *testing.T) {
	collector := setupTelemetry(t)

	var rec GatewayRecorder
	rec.Request("OK")
	rec.Attempt("cooldown")
	rec.Cooldown()
	rec.AdmissionRejected("interval")
	rec.CredentialChanged("set")

	for _, name := range []string{
		GatewayRequestsTotal,
		GatewayUpstreamAttemptsTotal,
		GatewayCooldownsTotal,
		GatewayAdmissionRejectionsTotal,
		CredentialChangesTotal,
	} {
		require.Positive(t, collector.CountMetricsByName(name), name)
	}
}

func TestCountersWithoutTelemetry(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = original })

	require.NotPanics(t, func() {
		RecordError("INTERNAL_ERROR", http.StatusInternalServerError)
		GatewayRecorder{}.Cooldown()
	})
}

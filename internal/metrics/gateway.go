package metrics

import (
	"github.com/keyrelay/keyrelay/internal/observability"
)

// Gateway metric names
const (
	GatewayRequestsTotal            = "gateway_requests_total"
	GatewayUpstreamAttemptsTotal    = "gateway_upstream_attempts_total"
	GatewayCooldownsTotal           = "gateway_cooldowns_total"
	GatewayAdmissionRejectionsTotal = "gateway_admission_rejections_total"
	CredentialChangesTotal          = "credential_changes_total"
)

// GatewayRecorder reports gateway counters to the telemetry system.
type GatewayRecorder struct{}

// Request counts a finished Generate call by result code.
func (GatewayRecorder) Request(code string) {
	counter(GatewayRequestsTotal, map[string]string{"code": code})
}

// Attempt counts one upstream call by classified outcome.
func (GatewayRecorder) Attempt(outcome string) {
	counter(GatewayUpstreamAttemptsTotal, map[string]string{"outcome": outcome})
}

func (GatewayRecorder) Cooldown() {
	counter(GatewayCooldownsTotal, nil)
}

func (GatewayRecorder) AdmissionRejected(reason string) {
	counter(GatewayAdmissionRejectionsTotal, map[string]string{"reason": reason})
}

func (GatewayRecorder) CredentialChanged(action string) {
	RecordCredentialChange(action)
}

// RecordCredentialChange counts owner-initiated slot changes (set, clear).
func RecordCredentialChange(action string) {
	counter(CredentialChangesTotal, map[string]string{"action": action})
}

func counter(name string, labels map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(name, 1, labels)
	}
}

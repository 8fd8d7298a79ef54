package appid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	identity := Get()
	require.Equal(t, "keyrelay", identity.BinaryName)
	require.Equal(t, "keyrelay", identity.TelemetryNamespace())
	require.Equal(t, "KEYRELAY_SESSION_SECRET", identity.EnvVar("session_secret"))

	require.Equal(t, "my_app_v2", Identity{BinaryName: "My-App.v2"}.TelemetryNamespace())
	require.Equal(t, "app", Identity{}.TelemetryNamespace())
}

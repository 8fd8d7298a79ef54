// Package appid carries the static application identity used for naming
// binaries, config directories, env prefixes and telemetry namespaces.
package appid

import "strings"

const (
	BinaryName  = "keyrelay"
	ConfigName  = "keyrelay"
	EnvPrefix   = "KEYRELAY"
	Description = "Resilient multi-credential request gateway"
)

// Identity mirrors the constants for callers that pass identity around.
type Identity struct {
	BinaryName  string
	ConfigName  string
	EnvPrefix   string
	Description string
}

// Get returns the application identity.
func Get() Identity {
	return Identity{
		BinaryName:  BinaryName,
		ConfigName:  ConfigName,
		EnvPrefix:   EnvPrefix,
		Description: Description,
	}
}

// TelemetryNamespace returns the metric namespace derived from the binary name.
func (i Identity) TelemetryNamespace() string {
	ns := strings.ToLower(strings.TrimSpace(i.BinaryName))
	ns = strings.NewReplacer("-", "_", ".", "_").Replace(ns)
	if ns == "" {
		return "app"
	}
	return ns
}

// EnvVar returns the prefixed environment variable name for key.
func (i Identity) EnvVar(key string) string {
	prefix := i.EnvPrefix
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix + strings.ToUpper(key)
}

// Package ailink builds upstream generation drivers by provider name.
package ailink

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/keyrelay/keyrelay/internal/ailink/driver"
	"github.com/keyrelay/keyrelay/internal/ailink/driver/gemini"
	"github.com/keyrelay/keyrelay/internal/ailink/driver/openai"
)

// Provider names.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// DriverConfig selects and tunes a driver.
type DriverConfig struct {
	Provider string
	// BaseURL overrides the provider's public endpoint.
	BaseURL string
	// Timeout bounds one upstream call. Zero leaves the caller's context in
	// charge.
	Timeout    time.Duration
	HTTPClient *http.Client
}

type factory func(cfg DriverConfig) driver.Driver

var factories = map[string]factory{
	ProviderGemini: func(cfg DriverConfig) driver.Driver {
		c := gemini.NewClient(cfg.BaseURL)
		c.Timeout = cfg.Timeout
		c.HTTPClient = cfg.HTTPClient
		return c
	},
	ProviderOpenAI: func(cfg DriverConfig) driver.Driver {
		c := openai.NewClient(cfg.BaseURL)
		c.Timeout = cfg.Timeout
		c.HTTPClient = cfg.HTTPClient
		return c
	},
}

// NewDriver returns the driver for cfg.Provider.
func NewDriver(cfg DriverConfig) (driver.Driver, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = ProviderGemini
	}
	build, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown upstream provider %q (supported: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	return build(cfg), nil
}

// Providers lists the supported provider names.
func Providers() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

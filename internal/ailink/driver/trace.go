package driver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const redacted = "[REDACTED]"

// TraceEntry represents a single upstream request/response exchange.
type TraceEntry struct {
	Timestamp   time.Time       `json:"timestamp"`
	Driver      string          `json:"driver"`
	Endpoint    string          `json:"endpoint"`
	Method      string          `json:"method"`
	Model       string          `json:"model,omitempty"`
	RequestBody json.RawMessage `json:"request_body,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// Tracer records exchanges as NDJSON.
type Tracer struct {
	w  io.WriteCloser
	mu sync.Mutex
}

var (
	globalTracer *Tracer
	tracerMu     sync.Mutex
)

// EnableTracing starts tracing to the specified file path.
// Returns a cleanup function that should be called to close the file.
func EnableTracing(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return EnableTracingTo(f), nil
}

// EnableTracingTo starts tracing to w, replacing any active tracer.
func EnableTracingTo(w io.WriteCloser) func() {
	tracerMu.Lock()
	defer tracerMu.Unlock()

	if globalTracer != nil {
		_ = globalTracer.Close()
	}
	t := &Tracer{w: w}
	globalTracer = t
	return func() {
		tracerMu.Lock()
		defer tracerMu.Unlock()
		if globalTracer == t {
			_ = globalTracer.Close()
			globalTracer = nil
		}
	}
}

// DisableTracing stops tracing and closes the trace output.
func DisableTracing() {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	if globalTracer != nil {
		_ = globalTracer.Close()
		globalTracer = nil
	}
}

// IsTracingEnabled returns true if tracing is active.
func IsTracingEnabled() bool {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	return globalTracer != nil
}

// Trace records an entry if tracing is enabled. Every occurrence of the
// given secrets is replaced before the entry is written.
func Trace(entry TraceEntry, secrets ...string) {
	tracerMu.Lock()
	t := globalTracer
	tracerMu.Unlock()

	if t == nil {
		return
	}
	t.Write(scrubEntry(entry, secrets))
}

// Write records a trace entry.
func (t *Tracer) Write(entry TraceEntry) {
	if t == nil || t.w == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Raw bodies that are not valid JSON are stored as strings instead.
		entry.RequestBody = quoteRaw(entry.RequestBody)
		entry.Response = quoteRaw(entry.Response)
		if data, err = json.Marshal(entry); err != nil {
			return
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.w.Write(append(data, '\n'))
}

// Close closes the trace output.
func (t *Tracer) Close() error {
	if t == nil || t.w == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Close()
}

func scrubEntry(entry TraceEntry, secrets []string) TraceEntry {
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		entry.Endpoint = strings.ReplaceAll(entry.Endpoint, secret, redacted)
		entry.Error = strings.ReplaceAll(entry.Error, secret, redacted)
		entry.RequestBody = bytes.ReplaceAll(entry.RequestBody, []byte(secret), []byte(redacted))
		entry.Response = bytes.ReplaceAll(entry.Response, []byte(secret), []byte(redacted))
	}
	return entry
}

func quoteRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || json.Valid(raw) {
		return raw
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}

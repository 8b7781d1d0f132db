package telemetry

import (
	"net/http"
	"strings"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with gateway request
// metrics. Used by the HTTP key-value backend so every wire request is
// visible, including retries the resilience layer issues.
type InstrumentedTransport struct {
	base http.RoundTripper
	name string
}

// NewInstrumentedTransport creates a new instrumented transport. The name
// labels the gateway in metrics. If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, name string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, name: name}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	op := strings.ToLower(req.Method)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordBackendOp(req.Context(), t.name, op, outcome, duration, 0)
		return nil, err
	}

	outcome := "success"
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		outcome = "throttled"
	case resp.StatusCode >= 500:
		outcome = "5xx"
	case resp.StatusCode >= 400:
		outcome = "4xx"
	}
	RecordBackendOp(req.Context(), t.name, op, outcome, duration, 0)

	return resp, nil
}

// Package hook implements the optional external event-hook sink: one HTTP
// POST per lifecycle event, fanned out from auth.HookEvents. The
// core itself never imports this package; it is wired in by the server's
// construction code, keeping the event sink an external collaborator.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Sink accepts a named event with an arbitrary JSON-able payload.
type Sink interface {
	Send(kind string, payload map[string]interface{}) error
}

// NopSink discards every event. The zero value is ready to use.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(string, map[string]interface{}) error { return nil }

// HTTPSink posts each event as a JSON body to a configured URL, one
// request per event, with the event kind as the trailing path segment.
type HTTPSink struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPSink builds an HTTPSink with a bounded per-request timeout.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

// Send implements Sink.
func (s *HTTPSink) Send(kind string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/"+kind, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// WebhookSink POSTs each event as JSON to a URL. Requests run in the
// background with their own timeout, detached from the caller's context.
type WebhookSink struct {
	url     string
	client  *http.Client
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewWebhookSink creates a sink posting to url. A nil client uses a default
// client.
func NewWebhookSink(url string, timeout time.Duration, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{url: url, client: client, timeout: timeout}
}

func (s *WebhookSink) Notify(_ context.Context, ev Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.post(ev); err != nil {
			slog.Error("alert webhook delivery failed", "event", string(ev.Kind), "error", err)
		}
	}()
}

func (s *WebhookSink) post(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every in-flight delivery has finished.
func (s *WebhookSink) Wait() {
	s.wg.Wait()
}

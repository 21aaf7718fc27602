// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-diskvault/pkg/logging"
)

const (
	// maxAttempts bounds webhook delivery retries.
	maxAttempts = 3

	// retryBackoff is the delay between delivery attempts.
	retryBackoff = 2 * time.Second

	defaultTimeout = 10 * time.Second
)

// WebhookNotifier POSTs events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	logger  *logging.Logger
	backoff time.Duration
}

// NewWebhookNotifier creates a webhook notification sink.
func NewWebhookNotifier(url string, logger *logging.Logger) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("notify: webhook url cannot be empty")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
		backoff: retryBackoff,
	}, nil
}

// Notify delivers the event with bounded retries. Transient delivery
// failures are retried; after the final attempt the last error is returned
// so the caller can log a non-fatal warning.
func (w *WebhookNotifier) Notify(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: failed to encode event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = w.deliver(ctx, payload)
		if lastErr == nil {
			return nil
		}
		w.logger.Warnf("webhook delivery attempt %d/%d failed: %v", attempt, maxAttempts, lastErr)

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff):
			}
		}
	}
	return fmt.Errorf("notify: webhook delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func (w *WebhookNotifier) deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes events to the logger. Useful as a default sink and in
// tests.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a logging notification sink.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (l *LogNotifier) Notify(ctx context.Context, event *Event) error {
	l.logger.Info("notification",
		"kind", event.Kind,
		"device", event.Device,
		"slot", event.Slot,
		"actor", event.Actor)
	return nil
}

// Verify interface compliance at compile time
var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

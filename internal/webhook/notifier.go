// Package webhook delivers job completion callbacks to tenant endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Payload is the JSON body POSTed to a webhook URL
type Payload struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Result carries the asset URL of a completed job
type Result struct {
	URL string `json:"url"`
}

// Config holds delivery settings
type Config struct {
	// Timeout bounds each attempt
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// Notifier POSTs payloads in the background.
// Delivery failures are logged and never reach the caller.
type Notifier struct {
	client *http.Client
	config Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier
func NewNotifier(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

// Notify schedules delivery of payload to url and returns immediately.
// An empty url is ignored.
func (n *Notifier) Notify(url string, payload Payload) {
	if url == "" {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		// detached from the job's context: the job may already be finished
		ctx, cancel := context.WithTimeout(context.Background(), n.budget())
		defer cancel()

		if err := n.Deliver(ctx, url, payload); err != nil {
			n.logger.Warn("Webhook delivery failed",
				slog.String("job_id", payload.ID),
				slog.String("status", payload.Status),
				slog.Any("error", err),
			)
		}
	}()
}

// budget is the upper bound of one Notify including all retries
func (n *Notifier) budget() time.Duration {
	total := time.Duration(n.config.MaxAttempts) * n.config.Timeout
	backoff := n.config.RetryInterval
	for i := 1; i < n.config.MaxAttempts; i++ {
		total += backoff
		backoff *= 2
	}
	return total
}

// Deliver POSTs payload synchronously, retrying up to MaxAttempts times
func (n *Notifier) Deliver(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	var lastErr error
	backoff := n.config.RetryInterval
	for attempt := 1; attempt <= n.config.MaxAttempts; attempt++ {
		lastErr = n.post(ctx, url, body)
		if lastErr == nil {
			n.logger.Debug("Webhook delivered",
				slog.String("job_id", payload.ID),
				slog.Int("attempt", attempt),
			)
			return nil
		}

		if attempt < n.config.MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("webhook delivery aborted: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", n.config.MaxAttempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until all scheduled deliveries have finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}

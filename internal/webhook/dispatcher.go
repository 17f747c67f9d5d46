package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/metrics"
)

// DefaultRequestTimeout bounds a single dispatch attempt when no
// configured timeout is supplied.
const DefaultRequestTimeout = 10 * time.Second

// DefaultMaxRetries is the retry count used when no configured value is
// supplied.
const DefaultMaxRetries = 3

// retryBackoffBase and retryBackoffFactor generate the backoff schedule
// for transient dispatch failures: 1s, 4s, 16s, ... for as many attempts
// as configured.
const (
	retryBackoffBase   = 1 * time.Second
	retryBackoffFactor = 4
)

func buildRetryDelays(maxRetries int) []time.Duration {
	delays := make([]time.Duration, maxRetries)
	delay := retryBackoffBase
	for i := range delays {
		delays[i] = delay
		delay *= retryBackoffFactor
	}
	return delays
}

// PermanentError wraps a 4xx response: the caller must not retry and
// should record it as the alert's last_error.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("webhook returned permanent failure status %d", e.StatusCode)
}

// Dispatcher POSTs notification payloads to alert webhook URLs.
type Dispatcher struct {
	client      *http.Client
	log         zerolog.Logger
	retryDelays []time.Duration
}

// NewDispatcher builds a Dispatcher whose request timeout and retry
// backoff schedule come from configuration rather than hardcoded
// defaults.
func NewDispatcher(log zerolog.Logger, requestTimeout time.Duration, maxRetries int) *Dispatcher {
	return &Dispatcher{
		client:      &http.Client{Timeout: requestTimeout},
		log:         log,
		retryDelays: buildRetryDelays(maxRetries),
	}
}

// Dispatch POSTs payload as JSON to url, setting X-Dispatch-Key for
// idempotent de-duplication on the receiver's side. 5xx responses and
// network errors are retried per retryDelays; a 4xx response fails
// permanently without retry.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, payload NotificationPayload, dispatchKey string) error {
	start := time.Now()
	defer func() { metrics.WebhookDispatchDuration.Observe(time.Since(start).Seconds()) }()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := d.attempt(ctx, url, body, dispatchKey)
		if err == nil {
			metrics.WebhookDispatchTotal.WithLabelValues("success").Inc()
			return nil
		}
		if _, permanent := err.(*PermanentError); permanent {
			metrics.WebhookDispatchTotal.WithLabelValues("permanent_failure").Inc()
			return err
		}
		lastErr = err

		if attempt >= len(d.retryDelays) {
			metrics.WebhookDispatchTotal.WithLabelValues("exhausted_retries").Inc()
			return fmt.Errorf("webhook dispatch exhausted retries: %w", lastErr)
		}
		d.log.Warn().Err(err).Str("url", url).Int("attempt", attempt+1).Msg("webhook dispatch failed, retrying")
		if werr := d.wait(ctx, d.retryDelays[attempt]); werr != nil {
			return werr
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, url string, body []byte, dispatchKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dispatch-Key", dispatchKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

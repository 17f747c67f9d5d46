package ingestion

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/matcher"
	"github.com/aristath/solearb/internal/metrics"
)

// Fetcher retrieves the current batch of raw rows for one poll of a pull
// source. Implementations wrap the HTTP client for a specific feed (Awin
// product feed, StockX lowest-ask listing, etc).
type Fetcher interface {
	Fetch(ctx context.Context) ([]map[string]any, error)
}

// Matcher is the subset of matcher.Matcher a worker needs.
type Matcher interface {
	Match(ctx context.Context, row matcher.RawRow) (string, error)
}

// PriceUpserter is the subset of pricestore.Store a worker needs.
type PriceUpserter interface {
	Upsert(ctx context.Context, record domain.PriceRecord) (bool, error)
}

// PullWorker polls a source on a fixed interval, rate-limited by a
// TokenBucket, retrying transient failures with exponential backoff.
type PullWorker struct {
	sourceName string
	sourceID   string
	sourceKind domain.SourceKind
	fetch      Fetcher
	normalize  Normalizer
	matcher    Matcher
	store      PriceUpserter
	limiter    *TokenBucket
	interval   time.Duration
	log        zerolog.Logger

	failureCount int
}

// NewPullWorker constructs a PullWorker for sourceName.
func NewPullWorker(sourceName, sourceID string, kind domain.SourceKind, fetch Fetcher, m Matcher, store PriceUpserter, limiter *TokenBucket, interval time.Duration, log zerolog.Logger) *PullWorker {
	return &PullWorker{
		sourceName: sourceName,
		sourceID:   sourceID,
		sourceKind: kind,
		fetch:      fetch,
		normalize:  NormalizerFor(sourceName),
		matcher:    m,
		store:      store,
		limiter:    limiter,
		interval:   interval,
		log:        log.With().Str("component", "ingestion.pull").Str("source", sourceName).Logger(),
	}
}

// Run polls until ctx is canceled.
func (w *PullWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *PullWorker) pollOnce(ctx context.Context) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	rows, err := w.fetchWithRetry(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("pull fetch exhausted retries")
		return
	}

	now := time.Now()
	for _, fields := range rows {
		ev := RawEvent{SourceName: w.sourceName, SourceID: w.sourceID, SourceKind: w.sourceKind, ObservedAt: now, Fields: fields}
		if err := w.processRow(ctx, ev); err != nil {
			if apperr.Is(err, apperr.DataIntegrity) {
				w.log.Warn().Err(err).Msg("data integrity fault on row, skipping")
				continue
			}
			w.log.Error().Err(err).Msg("failed to process pulled row")
		}
	}
}

func (w *PullWorker) processRow(ctx context.Context, ev RawEvent) error {
	normalized, err := w.normalize(ev)
	if err != nil {
		metrics.IngestionRowsTotal.WithLabelValues(w.sourceName, "error").Inc()
		return apperr.Wrap(apperr.DataIntegrity, "normalize pulled row", err)
	}

	productID, err := w.matcher.Match(ctx, normalized.Row)
	if err != nil {
		metrics.IngestionRowsTotal.WithLabelValues(w.sourceName, "error").Inc()
		return err
	}
	if productID == "" {
		metrics.IngestionRowsTotal.WithLabelValues(w.sourceName, "unmatched").Inc()
		return nil
	}

	normalized.Record.ProductID = productID
	_, err = w.store.Upsert(ctx, normalized.Record)
	if err != nil {
		metrics.IngestionRowsTotal.WithLabelValues(w.sourceName, "error").Inc()
		return err
	}
	metrics.IngestionRowsTotal.WithLabelValues(w.sourceName, "matched").Inc()
	return nil
}

// fetchWithRetry retries transient failures on an exponential backoff
// schedule; a 429 honors Retry-After via RateLimitedError.
func (w *PullWorker) fetchWithRetry(ctx context.Context) ([]map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= BackoffMaxAttempts; attempt++ {
		start := time.Now()
		rows, err := w.fetch.Fetch(ctx)
		metrics.IngestionFetchDuration.WithLabelValues(w.sourceName).Observe(time.Since(start).Seconds())
		if err == nil {
			w.failureCount = 0
			return rows, nil
		}
		lastErr = err

		var rateLimited *RateLimitedError
		if errors.As(err, &rateLimited) {
			metrics.IngestionRetriesTotal.WithLabelValues(w.sourceName, "rate_limited").Inc()
			w.wait(ctx, rateLimited.RetryAfter)
			continue
		}
		if !apperr.Retryable(err) {
			w.failureCount++
			return nil, err
		}

		metrics.IngestionRetriesTotal.WithLabelValues(w.sourceName, "transient").Inc()
		w.wait(ctx, Delay(attempt))
	}
	w.failureCount++
	return nil, lastErr
}

func (w *PullWorker) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RateLimitedError carries the Retry-After duration from a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "rate limited, retry after " + e.RetryAfter.String()
}

// ClassifyHTTPError maps an HTTP status code to an error taxonomy kind:
// 429 is rate-limited, other 4xx is permanent, 5xx and network errors
// are transient.
func ClassifyHTTPError(statusCode int, retryAfter time.Duration, cause error) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter}
	case statusCode >= 400 && statusCode < 500:
		return apperr.Wrap(apperr.PermanentUpstream, "permanent upstream error", cause)
	case statusCode >= 500:
		return apperr.Wrap(apperr.TransientUpstream, "transient upstream error", cause)
	default:
		return apperr.Wrap(apperr.TransientUpstream, "network error", cause)
	}
}

package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
)

// Deduplicator is the subset of pricestore.Store a webhook worker needs
// for the sliding 24h dedupe window.
type Deduplicator interface {
	SeenDedupe(ctx context.Context, sourceID, externalEventID string) (bool, error)
	RecordDedupe(ctx context.Context, sourceID, externalEventID string, seenAt time.Time) error
}

// DedupeWindow is the sliding window width webhook events are deduplicated
// over.
const DedupeWindow = 24 * time.Hour

// WebhookWorker accepts inbound push events for one source, deduplicating
// by externally assigned event id before normalizing, matching, and
// upserting.
type WebhookWorker struct {
	sourceName string
	sourceID   string
	sourceKind domain.SourceKind
	normalize  Normalizer
	dedupe     Deduplicator
	matcher    Matcher
	store      PriceUpserter
	log        zerolog.Logger
}

// NewWebhookWorker constructs a WebhookWorker for sourceName.
func NewWebhookWorker(sourceName, sourceID string, kind domain.SourceKind, dedupe Deduplicator, m Matcher, store PriceUpserter, log zerolog.Logger) *WebhookWorker {
	return &WebhookWorker{
		sourceName: sourceName,
		sourceID:   sourceID,
		sourceKind: kind,
		normalize:  NormalizerFor(sourceName),
		dedupe:     dedupe,
		matcher:    m,
		store:      store,
		log:        log.With().Str("component", "ingestion.webhook").Str("source", sourceName).Logger(),
	}
}

// Accept handles one inbound event. eventID is the source's externally
// assigned identifier for the underlying occurrence (e.g. a listing
// update id), used for dedupe independent of the price row's content.
func (w *WebhookWorker) Accept(ctx context.Context, eventID string, fields map[string]any) error {
	seen, err := w.dedupe.SeenDedupe(ctx, w.sourceID, eventID)
	if err != nil {
		return err
	}
	if seen {
		w.log.Debug().Str("event_id", eventID).Msg("duplicate webhook event, ignoring")
		return nil
	}

	now := time.Now()
	ev := RawEvent{SourceName: w.sourceName, SourceID: w.sourceID, SourceKind: w.sourceKind, ObservedAt: now, Fields: fields}
	normalized, err := w.normalize(ev)
	if err != nil {
		return apperr.Wrap(apperr.DataIntegrity, "normalize webhook event", err)
	}

	productID, err := w.matcher.Match(ctx, normalized.Row)
	if err != nil {
		return err
	}
	if productID != "" {
		normalized.Record.ProductID = productID
		if _, err := w.store.Upsert(ctx, normalized.Record); err != nil {
			return err
		}
	}

	return w.dedupe.RecordDedupe(ctx, w.sourceID, eventID, now)
}

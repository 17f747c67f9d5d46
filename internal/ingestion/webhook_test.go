package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
)

type fakeDedupe struct {
	seen     map[string]bool
	recorded []string
}

func newFakeDedupe() *fakeDedupe {
	return &fakeDedupe{seen: map[string]bool{}}
}

func (f *fakeDedupe) SeenDedupe(ctx context.Context, sourceID, eventID string) (bool, error) {
	return f.seen[sourceID+"|"+eventID], nil
}

func (f *fakeDedupe) RecordDedupe(ctx context.Context, sourceID, eventID string, seenAt time.Time) error {
	key := sourceID + "|" + eventID
	f.seen[key] = true
	f.recorded = append(f.recorded, key)
	return nil
}

func TestWebhookWorker_FirstEventIsProcessedAndRecorded(t *testing.T) {
	dedupe := newFakeDedupe()
	m := &fakeMatcher{productID: "p1"}
	store := &fakeUpserter{}
	w := NewWebhookWorker("unknown-source", "src-1", domain.SourceKindRetail, dedupe, m, store, zerolog.Nop())

	err := w.Accept(context.Background(), "evt-1", map[string]any{"price": 100.0, "external_id": "ext-1"})
	require.NoError(t, err)
	require.Len(t, store.records, 1)
	require.Len(t, dedupe.recorded, 1)
}

func TestWebhookWorker_DuplicateEventIsIgnored(t *testing.T) {
	dedupe := newFakeDedupe()
	m := &fakeMatcher{productID: "p1"}
	store := &fakeUpserter{}
	w := NewWebhookWorker("unknown-source", "src-1", domain.SourceKindRetail, dedupe, m, store, zerolog.Nop())

	require.NoError(t, w.Accept(context.Background(), "evt-1", map[string]any{"price": 100.0}))
	require.NoError(t, w.Accept(context.Background(), "evt-1", map[string]any{"price": 999.0}))

	require.Len(t, store.records, 1, "duplicate event id must not be reprocessed")
}

func TestWebhookWorker_MalformedRowIsDataIntegrityErrorAndNotDeduped(t *testing.T) {
	dedupe := newFakeDedupe()
	m := &fakeMatcher{productID: "p1"}
	store := &fakeUpserter{}
	w := NewWebhookWorker("unknown-source", "src-1", domain.SourceKindRetail, dedupe, m, store, zerolog.Nop())

	err := w.Accept(context.Background(), "evt-1", map[string]any{"no_price": true})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.DataIntegrity))
	require.Empty(t, store.records)
	require.Empty(t, dedupe.recorded)
}

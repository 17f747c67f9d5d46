// Package pricestore is the normalized price table keyed by
// (source, product, variant); every write that changes price or stock
// emits a PriceHistoryEvent in the same transaction.
package pricestore

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/events"
)

// Store is the Price Store. Per-key writes are serialized with a sharded
// set of mutexes keyed by (source, product, variant): the same sharding
// principle applied here to writes instead of reads.
type Store struct {
	db       *sql.DB
	log      zerolog.Logger
	bus      *events.Bus
	keyLocks keyLockTable
}

// New creates a Price Store backed by db. The schema (price_records,
// price_history_events, ingestion_dedupe) must already be migrated.
func New(db *sql.DB, bus *events.Bus, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "pricestore").Logger(),
		bus: bus,
		keyLocks: keyLockTable{
			locks: make(map[string]*sync.Mutex),
		},
	}
}

func recordKey(sourceID, productID, variantID string) string {
	return sourceID + "|" + productID + "|" + variantID
}

// keyLockTable is a sharded map of per-key mutexes, grown lazily.
type keyLockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *keyLockTable) lockFor(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// Upsert writes record for (source, product, variant). It is idempotent:
// when the existing price differs from the new one by at least
// domain.PriceEpsilon, or the stock flag flips, a PriceHistoryEvent is
// appended in the same transaction and changed=true is returned.
func (s *Store) Upsert(ctx context.Context, record domain.PriceRecord) (changed bool, err error) {
	key := recordKey(record.Source.ID, record.ProductID, record.VariantID)
	lock := s.keyLocks.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "begin upsert transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var oldPrice sql.NullFloat64
	var oldInStock sql.NullBool
	var oldObservedAt sql.NullInt64
	row := tx.QueryRowContext(ctx, `
		SELECT price, in_stock, observed_at FROM price_records
		WHERE source_id = ? AND product_id = ? AND variant_id = ?`,
		record.Source.ID, record.ProductID, record.VariantID)
	scanErr := row.Scan(&oldPrice, &oldInStock, &oldObservedAt)
	if scanErr != nil && scanErr != sql.ErrNoRows {
		err = apperr.Wrap(apperr.Storage, "read existing price record", scanErr)
		return false, err
	}
	exists := scanErr == nil

	if exists && record.ObservedAt.Unix() < oldObservedAt.Int64 {
		err = apperr.New(apperr.DataIntegrity, fmt.Sprintf(
			"observed_at regressed for %s/%s/%s", record.Source.ID, record.ProductID, record.VariantID))
		return false, err
	}

	priceDelta := math.Abs(record.Price.Amount - oldPrice.Float64)
	stockFlipped := exists && oldInStock.Bool != record.InStock
	priceChanged := !exists || priceDelta >= domain.PriceEpsilon

	changed = priceChanged || stockFlipped

	metadata := record.Metadata

	_, err = tx.ExecContext(ctx, `
		INSERT INTO price_records (
			source_id, product_id, variant_id, supplier_id, price, currency,
			in_stock, stock_qty, external_url, observed_at, metadata
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(source_id, product_id, variant_id) DO UPDATE SET
			supplier_id = excluded.supplier_id,
			price = excluded.price,
			currency = excluded.currency,
			in_stock = excluded.in_stock,
			stock_qty = excluded.stock_qty,
			external_url = excluded.external_url,
			observed_at = excluded.observed_at,
			metadata = excluded.metadata
	`,
		record.Source.ID, record.ProductID, record.VariantID, record.SupplierID,
		record.Price.Amount, string(record.Price.Currency), boolToInt(record.InStock),
		nullableIntPtr(record.StockQty), record.ExternalURL, record.ObservedAt.Unix(), metadata,
	)
	if err != nil {
		err = apperr.Wrap(apperr.Storage, "upsert price record", err)
		return false, err
	}

	if changed {
		var oldPricePtr *float64
		if exists {
			v := oldPrice.Float64
			oldPricePtr = &v
		}
		var oldInStockPtr *bool
		if exists {
			v := oldInStock.Bool
			oldInStockPtr = &v
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO price_history_events (
				product_id, variant_id, source_id, old_price, new_price,
				old_in_stock, new_in_stock, recorded_at
			) VALUES (?,?,?,?,?,?,?,?)`,
			record.ProductID, record.VariantID, record.Source.ID,
			oldPricePtr, record.Price.Amount, nullableBoolPtr(oldInStockPtr),
			boolToInt(record.InStock), time.Now().Unix(),
		)
		if err != nil {
			err = apperr.Wrap(apperr.Storage, "append price history event", err)
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		err = apperr.Wrap(apperr.Storage, "commit upsert transaction", err)
		return false, err
	}

	if changed && s.bus != nil {
		s.bus.Publish(events.PriceChanged, events.PriceChangedData{ProductID: record.ProductID})
	}

	return changed, nil
}

// SeenDedupe reports whether (sourceID, externalEventID) has already been
// ingested within the sliding 24h dedupe window (ingestion.DedupeWindow).
// An entry older than the window is dropped here, so the next
// RecordDedupe for the pair starts a fresh window.
func (s *Store) SeenDedupe(ctx context.Context, sourceID, externalEventID string) (bool, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_dedupe WHERE source_id = ? AND event_id = ? AND seen_at < ?`, sourceID, externalEventID, cutoff); err != nil {
		return false, apperr.Wrap(apperr.Storage, "expire ingestion dedupe", err)
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ingestion_dedupe WHERE source_id = ? AND event_id = ?`, sourceID, externalEventID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "check ingestion dedupe", err)
	}
	return true, nil
}

// RecordDedupe marks (sourceID, externalEventID) as seen at seenAt.
// Idempotent: re-recording the same pair is a no-op.
func (s *Store) RecordDedupe(ctx context.Context, sourceID, externalEventID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_dedupe (source_id, event_id, seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_id, event_id) DO NOTHING`, sourceID, externalEventID, seenAt.Unix())
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record ingestion dedupe", err)
	}
	return nil
}

// PruneDedupe deletes dedupe entries older than the sliding window cutoff.
func (s *Store) PruneDedupe(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_dedupe WHERE seen_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "prune ingestion dedupe", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "prune ingestion dedupe rows affected", err)
	}
	return n, nil
}

// Latest returns the most recent record per (source, variant) for a
// product, sorted by observed_at desc. Source carries only ID; kind
// filtering, like Name/Kind/Reliability resolution, is the caller's job
// once it has the source registry (internal/catalogview), matching
// AllLatestPrices' convention.
func (s *Store) Latest(ctx context.Context, productID string) ([]domain.PriceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, variant_id, supplier_id, price, currency, in_stock,
		       stock_qty, external_url, observed_at, metadata
		FROM price_records
		WHERE product_id = ?
		ORDER BY observed_at DESC`, productID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "query latest price records", err)
	}
	defer rows.Close()

	var out []domain.PriceRecord
	for rows.Next() {
		rec, sourceID, err := scanRecord(rows, productID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Storage, "scan price record", err)
		}
		rec.Source = domain.Source{ID: sourceID}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AllLatestPrices returns every current price record across the catalog.
// Each row in price_records already is the latest observation for its
// (source, product, variant) key, since Upsert writes in place rather
// than appending versions (price_history_events carries the history).
// Source carries only ID; Name/Kind/Reliability are resolved by the
// caller from its source registry, matching Latest's convention.
func (s *Store) AllLatestPrices(ctx context.Context) ([]domain.PriceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, product_id, variant_id, supplier_id, price, currency,
		       in_stock, stock_qty, external_url, observed_at, metadata
		FROM price_records`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "query all latest price records", err)
	}
	defer rows.Close()

	var out []domain.PriceRecord
	for rows.Next() {
		var sourceID, productID string
		rec, _, err := scanRecordFull(rows, &sourceID, &productID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Storage, "scan price record", err)
		}
		rec.ProductID = productID
		rec.Source = domain.Source{ID: sourceID}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Iterate performs a lazy, restartable scan over records changed since a
// cursor (a unix timestamp), returning up to limit rows and the cursor to
// resume from.
func (s *Store) Iterate(ctx context.Context, since time.Time, limit int) ([]domain.PriceRecord, time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, product_id, variant_id, supplier_id, price, currency,
		       in_stock, stock_qty, external_url, observed_at, metadata
		FROM price_records
		WHERE observed_at >= ?
		ORDER BY observed_at ASC
		LIMIT ?`, since.Unix(), limit)
	if err != nil {
		return nil, since, apperr.Wrap(apperr.Storage, "iterate price records", err)
	}
	defer rows.Close()

	var out []domain.PriceRecord
	cursor := since
	for rows.Next() {
		var sourceID, productID string
		rec, _, err := scanRecordFull(rows, &sourceID, &productID)
		if err != nil {
			return nil, since, apperr.Wrap(apperr.Storage, "scan price record", err)
		}
		rec.ProductID = productID
		rec.Source = domain.Source{ID: sourceID}
		out = append(out, rec)
		if rec.ObservedAt.After(cursor) {
			cursor = rec.ObservedAt
		}
	}
	return out, cursor, rows.Err()
}

func scanRecord(rows *sql.Rows, productID string) (domain.PriceRecord, string, error) {
	var sourceID, variantID, supplierID, currency, externalURL string
	var price float64
	var inStock int
	var stockQty sql.NullInt64
	var observedAt int64
	var metadata []byte

	if err := rows.Scan(&sourceID, &variantID, &supplierID, &price, &currency,
		&inStock, &stockQty, &externalURL, &observedAt, &metadata); err != nil {
		return domain.PriceRecord{}, "", err
	}

	rec := domain.PriceRecord{
		ProductID:   productID,
		VariantID:   variantID,
		SupplierID:  supplierID,
		Price:       domain.NewMoney(price, domain.Currency(currency)),
		InStock:     inStock != 0,
		ExternalURL: externalURL,
		ObservedAt:  time.Unix(observedAt, 0).UTC(),
		Metadata:    metadata,
	}
	if stockQty.Valid {
		v := int(stockQty.Int64)
		rec.StockQty = &v
	}
	return rec, sourceID, nil
}

func scanRecordFull(rows *sql.Rows, sourceID, productID *string) (domain.PriceRecord, string, error) {
	var variantID, supplierID, currency, externalURL string
	var price float64
	var inStock int
	var stockQty sql.NullInt64
	var observedAt int64
	var metadata []byte

	if err := rows.Scan(sourceID, productID, &variantID, &supplierID, &price, &currency,
		&inStock, &stockQty, &externalURL, &observedAt, &metadata); err != nil {
		return domain.PriceRecord{}, "", err
	}

	rec := domain.PriceRecord{
		VariantID:   variantID,
		SupplierID:  supplierID,
		Price:       domain.NewMoney(price, domain.Currency(currency)),
		InStock:     inStock != 0,
		ExternalURL: externalURL,
		ObservedAt:  time.Unix(observedAt, 0).UTC(),
		Metadata:    metadata,
	}
	if stockQty.Valid {
		v := int(stockQty.Int64)
		rec.StockQty = &v
	}
	return rec, *sourceID, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

// DedupeKey computes a (source, external-record-id, observed_at) dedupe
// identity. No ingestion worker calls it: webhook dedupe keys on the
// source's event id (SeenDedupe/RecordDedupe).
func DedupeKey(sourceID, externalRecordID string, observedAt time.Time) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%d", sourceID, externalRecordID, observedAt.Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// Package ingestion implements the pull, webhook, and streaming workers:
// normalize a source's raw payload into a
// domain.PriceRecord, resolve the product via the Matcher, and upsert into
// the Price Store. One worker per source; normalization is per-source
// because every platform reports prices, stock, and identifiers under
// different field names.
package ingestion

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/matcher"
)

// RawEvent is a single source's price row before normalization: the
// caller-decoded JSON/CSV fields, source identity, and observation time.
type RawEvent struct {
	SourceName string
	SourceID   string
	SourceKind domain.SourceKind
	ObservedAt time.Time
	Fields     map[string]any
}

// Normalized is the pair a Normalizer produces: the identifying row the
// Matcher consumes, and the price record ready for PriceStore.Upsert once
// ProductID is filled in by the caller after a successful match.
type Normalized struct {
	Row    matcher.RawRow
	Record domain.PriceRecord
}

// Normalizer maps one source's RawEvent into a Normalized value.
type Normalizer func(RawEvent) (Normalized, error)

// normalizers maps source name to its field-extraction function. Sources
// not registered here use normalizeGeneric, which only trusts the fields
// every source contract requires (price, stock, an identifier) and
// msgpack-encodes everything else as opaque metadata.
var normalizers = map[string]Normalizer{
	"awin":   normalizeAwin,
	"stockx": normalizeStockX,
	"klekt":  normalizeKlekt,
}

// NormalizerFor returns the registered normalizer for sourceName, or the
// generic fallback.
func NormalizerFor(sourceName string) Normalizer {
	if n, ok := normalizers[sourceName]; ok {
		return n
	}
	return normalizeGeneric
}

func normalizeGeneric(ev RawEvent) (Normalized, error) {
	price, err := floatField(ev.Fields, "price")
	if err != nil {
		return Normalized{}, err
	}
	inStock, _ := boolField(ev.Fields, "in_stock")
	externalID, _ := stringField(ev.Fields, "external_id")

	metadata, err := encodeMetadata(ev.Fields, "price", "in_stock", "external_id", "ean", "gtin", "style_code", "name", "brand", "stock_qty")
	if err != nil {
		return Normalized{}, err
	}

	row := matcher.RawRow{
		ExternalPlatformID: externalID,
		SourceName:         ev.SourceName,
		EAN:                stringOrEmpty(ev.Fields, "ean"),
		GTIN:               stringOrEmpty(ev.Fields, "gtin"),
		StyleCode:          stringOrEmpty(ev.Fields, "style_code"),
		Name:               stringOrEmpty(ev.Fields, "name"),
		Brand:              stringOrEmpty(ev.Fields, "brand"),
	}

	record := domain.PriceRecord{
		Source: domain.Source{
			ID:   ev.SourceID,
			Name: ev.SourceName,
			Kind: ev.SourceKind,
		},
		Price:      domain.NewMoney(price, "EUR"),
		InStock:    inStock,
		StockQty:   intFieldPtr(ev.Fields, "stock_qty"),
		ObservedAt: ev.ObservedAt,
		Metadata:   metadata,
	}

	return Normalized{Row: row, Record: record}, nil
}

// normalizeAwin normalizes the Awin retail affiliate feed shape: flat CSV
// row fields keyed by Awin's product-feed column names.
func normalizeAwin(ev RawEvent) (Normalized, error) {
	price, err := floatField(ev.Fields, "search_price")
	if err != nil {
		return Normalized{}, err
	}
	stockInt, _ := intField(ev.Fields, "in_stock")

	metadata, err := encodeMetadata(ev.Fields, "search_price", "in_stock", "ean", "product_gtin", "merchant_product_id", "product_name", "brand_name", "aw_deep_link", "stock_quantity")
	if err != nil {
		return Normalized{}, err
	}

	row := matcher.RawRow{
		ExternalPlatformID: stringOrEmpty(ev.Fields, "merchant_product_id"),
		SourceName:         ev.SourceName,
		EAN:                stringOrEmpty(ev.Fields, "ean"),
		GTIN:               stringOrEmpty(ev.Fields, "product_gtin"),
		Name:               stringOrEmpty(ev.Fields, "product_name"),
		Brand:              stringOrEmpty(ev.Fields, "brand_name"),
	}

	record := domain.PriceRecord{
		Source:      domain.Source{ID: ev.SourceID, Name: ev.SourceName, Kind: domain.SourceKindRetail},
		Price:       domain.NewMoney(price, "EUR"),
		InStock:     stockInt != 0,
		StockQty:    intFieldPtr(ev.Fields, "stock_quantity"),
		ExternalURL: stringOrEmpty(ev.Fields, "aw_deep_link"),
		ObservedAt:  ev.ObservedAt,
		Metadata:    metadata,
	}
	return Normalized{Row: row, Record: record}, nil
}

// normalizeStockX normalizes StockX's resale "lowest ask" payload shape.
func normalizeStockX(ev RawEvent) (Normalized, error) {
	price, err := floatField(ev.Fields, "lowestAsk")
	if err != nil {
		return Normalized{}, err
	}

	metadata, err := encodeMetadata(ev.Fields, "lowestAsk", "productId", "styleId", "title", "brand", "urlKey", "numberOfAsks")
	if err != nil {
		return Normalized{}, err
	}

	row := matcher.RawRow{
		ExternalPlatformID: stringOrEmpty(ev.Fields, "productId"),
		SourceName:         ev.SourceName,
		StyleCode:          stringOrEmpty(ev.Fields, "styleId"),
		Name:               stringOrEmpty(ev.Fields, "title"),
		Brand:              stringOrEmpty(ev.Fields, "brand"),
	}

	asks, _ := intField(ev.Fields, "numberOfAsks")
	record := domain.PriceRecord{
		Source:      domain.Source{ID: ev.SourceID, Name: ev.SourceName, Kind: domain.SourceKindResale},
		Price:       domain.NewMoney(price, "EUR"),
		InStock:     asks > 0,
		ExternalURL: "https://stockx.com/" + stringOrEmpty(ev.Fields, "urlKey"),
		ObservedAt:  ev.ObservedAt,
		Metadata:    metadata,
	}
	return Normalized{Row: row, Record: record}, nil
}

// normalizeKlekt normalizes the klekt auction-style push payload, which
// reports a current highest bid rather than a fixed price.
func normalizeKlekt(ev RawEvent) (Normalized, error) {
	price, err := floatField(ev.Fields, "highest_bid")
	if err != nil {
		return Normalized{}, err
	}

	metadata, err := encodeMetadata(ev.Fields, "highest_bid", "listing_id", "sku", "product_title", "brand", "active")
	if err != nil {
		return Normalized{}, err
	}

	active, _ := boolField(ev.Fields, "active")
	row := matcher.RawRow{
		ExternalPlatformID: stringOrEmpty(ev.Fields, "listing_id"),
		SourceName:         ev.SourceName,
		StyleCode:          stringOrEmpty(ev.Fields, "sku"),
		Name:               stringOrEmpty(ev.Fields, "product_title"),
		Brand:              stringOrEmpty(ev.Fields, "brand"),
	}

	record := domain.PriceRecord{
		Source:     domain.Source{ID: ev.SourceID, Name: ev.SourceName, Kind: domain.SourceKindAuction},
		Price:      domain.NewMoney(price, "EUR"),
		InStock:    active,
		ObservedAt: ev.ObservedAt,
		Metadata:   metadata,
	}
	return Normalized{Row: row, Record: record}, nil
}

func encodeMetadata(fields map[string]any, known ...string) ([]byte, error) {
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[k] = true
	}
	rest := make(map[string]any)
	for k, v := range fields {
		if !skip[k] {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return nil, nil
	}
	encoded, err := msgpack.Marshal(rest)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return encoded, nil
}

func floatField(fields map[string]any, key string) (float64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing required field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("field %q is not numeric: %v", key, v)
	}
}

func intField(fields map[string]any, key string) (int, error) {
	v, ok := fields[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("field %q is not an integer: %v", key, v)
	}
}

func intFieldPtr(fields map[string]any, key string) *int {
	n, err := intField(fields, key)
	if err != nil {
		return nil
	}
	if _, ok := fields[key]; !ok {
		return nil
	}
	return &n
}

func boolField(fields map[string]any, key string) (bool, error) {
	v, ok := fields[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q is not a bool: %v", key, v)
	}
	return b, nil
}

func stringField(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not a string: %v", key, v)
	}
	return s, nil
}

func stringOrEmpty(fields map[string]any, key string) string {
	s, _ := stringField(fields, key)
	return s
}

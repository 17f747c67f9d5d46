package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/solearb/internal/domain"
)

func TestNormalizeAwin_ExtractsKnownFieldsAndEncodesRest(t *testing.T) {
	ev := RawEvent{
		SourceName: "awin",
		SourceID:   "src-awin",
		ObservedAt: time.Now(),
		Fields: map[string]any{
			"search_price":         149.99,
			"in_stock":             1,
			"ean":                  "1234567890123",
			"merchant_product_id":  "MP-1",
			"product_name":         "Air Something",
			"brand_name":           "Nike",
			"aw_deep_link":         "https://example.com/p",
			"stock_quantity":       5,
			"merchant_category_id": "shoes-42",
		},
	}

	normalized, err := normalizeAwin(ev)
	require.NoError(t, err)
	require.Equal(t, "MP-1", normalized.Row.ExternalPlatformID)
	require.Equal(t, "1234567890123", normalized.Row.EAN)
	require.Equal(t, 149.99, normalized.Record.Price.Amount)
	require.True(t, normalized.Record.InStock)
	require.Equal(t, domain.SourceKindRetail, normalized.Record.Source.Kind)
	require.NotNil(t, normalized.Record.Metadata)

	var rest map[string]any
	require.NoError(t, msgpack.Unmarshal(normalized.Record.Metadata, &rest))
	require.Contains(t, rest, "merchant_category_id")
	require.NotContains(t, rest, "search_price")
}

func TestNormalizeStockX_DerivesInStockFromAskCount(t *testing.T) {
	ev := RawEvent{
		SourceName: "stockx",
		SourceID:   "src-stockx",
		ObservedAt: time.Now(),
		Fields: map[string]any{
			"lowestAsk":    180.0,
			"productId":    "p-123",
			"styleId":      "DD1391-100",
			"title":        "Some Shoe",
			"brand":        "Nike",
			"urlKey":       "some-shoe",
			"numberOfAsks": 0,
		},
	}

	normalized, err := normalizeStockX(ev)
	require.NoError(t, err)
	require.False(t, normalized.Record.InStock)
	require.Equal(t, domain.SourceKindResale, normalized.Record.Source.Kind)
	require.Equal(t, "DD1391-100", normalized.Row.StyleCode)
}

func TestNormalizeKlekt_MapsHighestBidToPrice(t *testing.T) {
	ev := RawEvent{
		SourceName: "klekt",
		SourceID:   "src-klekt",
		ObservedAt: time.Now(),
		Fields: map[string]any{
			"highest_bid":   220.5,
			"listing_id":    "lst-1",
			"sku":           "SKU-1",
			"product_title": "Shoe",
			"brand":         "Adidas",
			"active":        true,
		},
	}

	normalized, err := normalizeKlekt(ev)
	require.NoError(t, err)
	require.Equal(t, 220.5, normalized.Record.Price.Amount)
	require.True(t, normalized.Record.InStock)
	require.Equal(t, domain.SourceKindAuction, normalized.Record.Source.Kind)
}

func TestNormalizeGeneric_MissingPriceIsError(t *testing.T) {
	ev := RawEvent{SourceName: "unknown-source", Fields: map[string]any{"in_stock": true}}
	_, err := normalizeGeneric(ev)
	require.Error(t, err)
}

func TestNormalizerFor_FallsBackToGenericForUnknownSource(t *testing.T) {
	n := NormalizerFor("some-new-source")
	ev := RawEvent{SourceName: "some-new-source", Fields: map[string]any{"price": 10.0, "external_id": "x"}}
	normalized, err := n(ev)
	require.NoError(t, err)
	require.Equal(t, "x", normalized.Row.ExternalPlatformID)
}

package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, routes map[string]interface{}) (*Client, func()) {
	t.Helper()
	mux := http.NewServeMux()
	for path, body := range routes {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		})
	}
	srv := httptest.NewServer(mux)
	return New(srv.URL, zerolog.Nop()), srv.Close
}

func TestClient_GetProduct_DecodesCatalogEntry(t *testing.T) {
	client, closeFn := newTestServer(t, map[string]interface{}{
		"/products/p1": map[string]interface{}{
			"id": "p1", "sku": "SKU-1", "ean": "1234567890123", "brand_id": "nike",
			"retail_price": 120.0, "retail_currency": "EUR",
		},
	})
	defer closeFn()

	p, err := client.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID)
	require.Equal(t, "SKU-1", p.SKU)
	require.NotNil(t, p.RetailPrice)
	require.Equal(t, 120.0, p.RetailPrice.Amount)
}

func TestClient_GetProduct_NotFoundReturnsDataIntegrityError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/products/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, zerolog.Nop())
	_, err := client.GetProduct(context.Background(), "missing")
	require.Error(t, err)
}

func TestClient_FindByEAN_EmptyInputShortCircuits(t *testing.T) {
	client := New("http://unused.invalid", zerolog.Nop())
	p, err := client.FindByEAN(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestClient_FindByEAN_NotFoundReturnsNilProductNotError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/products/by-ean", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, zerolog.Nop())
	p, err := client.FindByEAN(context.Background(), "0000000000000")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestClient_GetFeeSchedule_DecodesTieredRules(t *testing.T) {
	client, closeFn := newTestServer(t, map[string]interface{}{
		"/marketplaces/stockx/fee-schedule": map[string]interface{}{
			"marketplace_id": "stockx",
			"rules": []map[string]interface{}{
				{
					"id": "transaction-fee", "type": "transaction", "calc": "tiered",
					"tiers": []map[string]interface{}{
						{"min_price": 0, "max_price": 100, "calc": "percentage", "value": 9.5},
						{"min_price": 100, "max_price": 0, "calc": "percentage", "value": 8.0},
					},
				},
			},
		},
	})
	defer closeFn()

	sched, err := client.GetFeeSchedule(context.Background(), "stockx")
	require.NoError(t, err)
	require.Equal(t, "stockx", sched.MarketplaceID)
	require.Len(t, sched.Rules, 1)
	require.Len(t, sched.Rules[0].Tiers, 2)
}

func TestClient_SalesCount_PassesLookbackDaysAsQueryParam(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/products/p1/sales-count", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("lookback_days")
		_ = json.NewEncoder(w).Encode(map[string]int{"count": 42})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, zerolog.Nop())
	count, err := client.SalesCount(context.Background(), "p1", 90)
	require.NoError(t, err)
	require.Equal(t, 42, count)
	require.Equal(t, "90", gotQuery)
}

func TestClient_BrandCanonical_FallsBackToRawOnNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/brands/canonicalize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL, zerolog.Nop())
	name, err := client.BrandCanonical(context.Background(), "Nike Inc")
	require.NoError(t, err)
	require.Equal(t, "Nike Inc", name)
}

// Package catalog implements the external collaborator interfaces
// domain.CatalogClient, domain.OrderHistoryClient, domain.FeeScheduleClient,
// and matcher.Catalog against a remote product-catalog service's
// JSON/REST API, using plain net/http+encoding/json rather than a
// generated client or an ORM for outbound reads like this.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
)

// RequestTimeout bounds a single catalog API call.
const RequestTimeout = 10 * time.Second

// Client is the HTTP-backed implementation of every read-only collaborator
// interface the core depends on for catalog, sales-history, and fee data.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New constructs a Client against baseURL (no trailing slash required).
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: RequestTimeout},
		log:     log.With().Str("component", "catalog.client").Logger(),
	}
}

// get performs a GET against path+query, decoding a 200 JSON body into out.
// A 404 returns apperr.New(apperr.DataIntegrity, ...) so callers can treat
// "not found" distinctly from a transport failure.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientUpstream, "catalog request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return apperr.New(apperr.DataIntegrity, fmt.Sprintf("catalog: %s not found", path))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := apperr.TransientUpstream
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = apperr.PermanentUpstream
		}
		return apperr.New(kind, fmt.Sprintf("catalog request %s returned %d: %s", path, resp.StatusCode, body))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.DataIntegrity, "decode catalog response", err)
	}
	return nil
}

type productDTO struct {
	ID             string            `json:"id"`
	SKU            string            `json:"sku"`
	EAN            string            `json:"ean"`
	GTIN           string            `json:"gtin"`
	StyleCode      string            `json:"style_code"`
	ExternalIDs    map[string]string `json:"external_ids"`
	BrandID        string            `json:"brand_id"`
	Category       string            `json:"category"`
	RetailPrice    *float64          `json:"retail_price"`
	RetailCurrency string            `json:"retail_currency"`
}

func (d productDTO) toDomain() domain.Product {
	p := domain.Product{
		ID:          d.ID,
		SKU:         d.SKU,
		EAN:         d.EAN,
		GTIN:        d.GTIN,
		StyleCode:   d.StyleCode,
		ExternalIDs: d.ExternalIDs,
		BrandID:     d.BrandID,
		Category:    d.Category,
	}
	if d.RetailPrice != nil {
		m := domain.NewMoney(*d.RetailPrice, domain.Currency(d.RetailCurrency))
		p.RetailPrice = &m
	}
	return p
}

// GetProduct implements domain.CatalogClient.
func (c *Client) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var dto productDTO
	if err := c.get(ctx, "/products/"+url.PathEscape(productID), nil, &dto); err != nil {
		return nil, err
	}
	p := dto.toDomain()
	return &p, nil
}

// GetBrand implements domain.CatalogClient.
func (c *Client) GetBrand(ctx context.Context, brandID string) (*domain.Brand, error) {
	var dto struct {
		ID                string   `json:"id"`
		CanonicalName     string   `json:"canonical_name"`
		AlternatePatterns []string `json:"alternate_patterns"`
	}
	if err := c.get(ctx, "/brands/"+url.PathEscape(brandID), nil, &dto); err != nil {
		return nil, err
	}
	return &domain.Brand{ID: dto.ID, CanonicalName: dto.CanonicalName, AlternatePatterns: dto.AlternatePatterns}, nil
}

// GetVariant implements domain.CatalogClient.
func (c *Client) GetVariant(ctx context.Context, variantID string) (*domain.Variant, error) {
	var dto struct {
		ID                string  `json:"id"`
		HumanValue        string  `json:"human_value"`
		StandardizedValue float64 `json:"standardized_value"`
	}
	if err := c.get(ctx, "/variants/"+url.PathEscape(variantID), nil, &dto); err != nil {
		return nil, err
	}
	return &domain.Variant{ID: dto.ID, HumanValue: dto.HumanValue, StandardizedValue: dto.StandardizedValue}, nil
}

// ListProductsByBrand implements domain.CatalogClient.
func (c *Client) ListProductsByBrand(ctx context.Context, brandID string) ([]domain.Product, error) {
	var dtos []productDTO
	if err := c.get(ctx, "/brands/"+url.PathEscape(brandID)+"/products", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]domain.Product, len(dtos))
	for i, d := range dtos {
		out[i] = d.toDomain()
	}
	return out, nil
}

// SalesCount implements domain.OrderHistoryClient.
func (c *Client) SalesCount(ctx context.Context, productID string, lookbackDays int) (int, error) {
	var dto struct {
		Count int `json:"count"`
	}
	q := url.Values{"lookback_days": {fmt.Sprint(lookbackDays)}}
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/sales-count", q, &dto); err != nil {
		return 0, err
	}
	return dto.Count, nil
}

// ShelfLifeDays implements domain.OrderHistoryClient.
func (c *Client) ShelfLifeDays(ctx context.Context, productID string, lookbackDays int) ([]float64, error) {
	var dto struct {
		Days []float64 `json:"days"`
	}
	q := url.Values{"lookback_days": {fmt.Sprint(lookbackDays)}}
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/shelf-life", q, &dto); err != nil {
		return nil, err
	}
	return dto.Days, nil
}

// BrandSalesVelocity implements domain.OrderHistoryClient.
func (c *Client) BrandSalesVelocity(ctx context.Context, brandID string, lookbackDays int) (float64, error) {
	var dto struct {
		UnitsPerDay float64 `json:"units_per_day"`
	}
	q := url.Values{"lookback_days": {fmt.Sprint(lookbackDays)}}
	if err := c.get(ctx, "/brands/"+url.PathEscape(brandID)+"/sales-velocity", q, &dto); err != nil {
		return 0, err
	}
	return dto.UnitsPerDay, nil
}

// CatalogMaxBrandVelocity implements domain.OrderHistoryClient.
func (c *Client) CatalogMaxBrandVelocity(ctx context.Context, lookbackDays int) (float64, error) {
	var dto struct {
		UnitsPerDay float64 `json:"units_per_day"`
	}
	q := url.Values{"lookback_days": {fmt.Sprint(lookbackDays)}}
	if err := c.get(ctx, "/brands/max-sales-velocity", q, &dto); err != nil {
		return 0, err
	}
	return dto.UnitsPerDay, nil
}

type tierBandDTO struct {
	MinPrice float64  `json:"min_price"`
	MaxPrice float64  `json:"max_price"`
	Calc     string   `json:"calc"`
	Value    float64  `json:"value"`
	Minimum  *float64 `json:"minimum"`
}

type feeRuleDTO struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`
	Calc           string        `json:"calc"`
	Value          float64       `json:"value"`
	Minimum        *float64      `json:"minimum"`
	Tiers          []tierBandDTO `json:"tiers"`
	EffectiveFrom  time.Time     `json:"effective_from"`
	EffectiveUntil *time.Time    `json:"effective_until"`
}

// GetFeeSchedule implements domain.FeeScheduleClient.
func (c *Client) GetFeeSchedule(ctx context.Context, marketplaceID string) (*domain.FeeSchedule, error) {
	var dto struct {
		MarketplaceID string       `json:"marketplace_id"`
		Rules         []feeRuleDTO `json:"rules"`
	}
	if err := c.get(ctx, "/marketplaces/"+url.PathEscape(marketplaceID)+"/fee-schedule", nil, &dto); err != nil {
		return nil, err
	}

	rules := make([]domain.FeeRule, len(dto.Rules))
	for i, r := range dto.Rules {
		tiers := make([]domain.TierBand, len(r.Tiers))
		for j, t := range r.Tiers {
			tiers[j] = domain.TierBand{MinPrice: t.MinPrice, MaxPrice: t.MaxPrice, Calc: domain.FeeCalc(t.Calc), Value: t.Value, Minimum: t.Minimum}
		}
		rules[i] = domain.FeeRule{
			ID:             r.ID,
			Type:           domain.FeeType(r.Type),
			Calc:           domain.FeeCalc(r.Calc),
			Value:          r.Value,
			Minimum:        r.Minimum,
			Tiers:          tiers,
			EffectiveFrom:  r.EffectiveFrom,
			EffectiveUntil: r.EffectiveUntil,
		}
	}
	return &domain.FeeSchedule{MarketplaceID: dto.MarketplaceID, Rules: rules}, nil
}

// SellSideSeries implements domain.PriceHistoryClient, backed by the
// catalog service's sell-side price history endpoint rather than the
// local Price Store, for deployments where history lives upstream.
func (c *Client) SellSideSeries(ctx context.Context, productID string, lookbackDays int) ([]domain.SellSidePricePoint, error) {
	var dto struct {
		Points []struct {
			ObservedAt time.Time `json:"observed_at"`
			Price      float64   `json:"price"`
		} `json:"points"`
	}
	q := url.Values{"lookback_days": {fmt.Sprint(lookbackDays)}}
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/sell-side-series", q, &dto); err != nil {
		return nil, err
	}
	out := make([]domain.SellSidePricePoint, len(dto.Points))
	for i, p := range dto.Points {
		out[i] = domain.SellSidePricePoint{ObservedAt: p.ObservedAt, Price: p.Price}
	}
	return out, nil
}

// FindByExternalID implements matcher.Catalog.
func (c *Client) FindByExternalID(ctx context.Context, sourceName, externalID string) ([]domain.Product, error) {
	var dtos []productDTO
	q := url.Values{"source": {sourceName}, "external_id": {externalID}}
	if err := c.get(ctx, "/products/by-external-id", q, &dtos); err != nil {
		if apperr.Is(err, apperr.DataIntegrity) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.Product, len(dtos))
	for i, d := range dtos {
		out[i] = d.toDomain()
	}
	return out, nil
}

// FindByEAN implements matcher.Catalog.
func (c *Client) FindByEAN(ctx context.Context, ean string) (*domain.Product, error) {
	return c.findByCode(ctx, "/products/by-ean", "ean", ean)
}

// FindByGTIN implements matcher.Catalog.
func (c *Client) FindByGTIN(ctx context.Context, gtin string) (*domain.Product, error) {
	return c.findByCode(ctx, "/products/by-gtin", "gtin", gtin)
}

// FindByStyleCode implements matcher.Catalog.
func (c *Client) FindByStyleCode(ctx context.Context, styleCode string) (*domain.Product, error) {
	return c.findByCode(ctx, "/products/by-style-code", "style_code", styleCode)
}

func (c *Client) findByCode(ctx context.Context, path, param, value string) (*domain.Product, error) {
	if value == "" {
		return nil, nil
	}
	var dto productDTO
	q := url.Values{param: {value}}
	if err := c.get(ctx, path, q, &dto); err != nil {
		if apperr.Is(err, apperr.DataIntegrity) {
			return nil, nil
		}
		return nil, err
	}
	p := dto.toDomain()
	return &p, nil
}

// FuzzyCandidates implements matcher.Catalog.
func (c *Client) FuzzyCandidates(ctx context.Context, brandCanonical string) ([]domain.Product, error) {
	var dtos []productDTO
	q := url.Values{"brand_canonical": {brandCanonical}}
	if err := c.get(ctx, "/products/by-brand-canonical", q, &dtos); err != nil {
		return nil, err
	}
	out := make([]domain.Product, len(dtos))
	for i, d := range dtos {
		out[i] = d.toDomain()
	}
	return out, nil
}

// BrandCanonical implements matcher.Catalog.
func (c *Client) BrandCanonical(ctx context.Context, brandRaw string) (string, error) {
	var dto struct {
		CanonicalName string `json:"canonical_name"`
	}
	q := url.Values{"raw": {brandRaw}}
	if err := c.get(ctx, "/brands/canonicalize", q, &dto); err != nil {
		if apperr.Is(err, apperr.DataIntegrity) {
			return brandRaw, nil
		}
		return "", err
	}
	return dto.CanonicalName, nil
}

// ProductName implements matcher.Catalog.
func (c *Client) ProductName(ctx context.Context, productID string) (string, error) {
	var dto struct {
		Name string `json:"name"`
	}
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/name", nil, &dto); err != nil {
		return "", err
	}
	return dto.Name, nil
}

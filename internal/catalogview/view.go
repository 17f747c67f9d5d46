// Package catalogview adapts the Price Store and the external catalog
// service into the narrow read views internal/opportunities and
// internal/scheduler depend on, decorating raw price rows with the
// source identity (name, economic kind, reliability) that only
// deployment configuration knows — a platform's identity never implies
// its economic role.
package catalogview

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/pricestore"
)

// RequestTimeout bounds the best-effort catalog lookups View.Product and
// View.ProductDisplay perform, since scheduler.ProductCatalog's interface
// carries no context or error return.
const RequestTimeout = 5 * time.Second

// PriceReader is the subset of pricestore.Store the View reads from.
type PriceReader interface {
	AllLatestPrices(ctx context.Context) ([]domain.PriceRecord, error)
}

// CatalogReader is the subset of catalog.Client the View reads from.
type CatalogReader interface {
	domain.CatalogClient
	domain.FeeScheduleClient
	// ProductName resolves the catalog's display name for a product id
	// (domain.Product itself carries no name field, only identifiers).
	ProductName(ctx context.Context, productID string) (string, error)
}

// View implements opportunities.CatalogView and scheduler.ProductCatalog
// over a PriceReader and a CatalogReader.
type View struct {
	prices  PriceReader
	catalog CatalogReader
	sources map[string]domain.Source
	log     zerolog.Logger
}

// New constructs a View. sources maps a source id to its full identity
// (name, kind, reliability), built once from deployment configuration.
func New(prices PriceReader, catalog CatalogReader, sources map[string]domain.Source, log zerolog.Logger) *View {
	return &View{
		prices:  prices,
		catalog: catalog,
		sources: sources,
		log:     log.With().Str("component", "catalogview").Logger(),
	}
}

// AllLatestPrices implements opportunities.CatalogView.
func (v *View) AllLatestPrices(ctx context.Context) ([]domain.PriceRecord, error) {
	records, err := v.prices.AllLatestPrices(ctx)
	if err != nil {
		return nil, err
	}
	for i, rec := range records {
		if full, ok := v.sources[rec.Source.ID]; ok {
			records[i].Source = full
		}
	}
	return records, nil
}

// MarketplaceFor implements opportunities.CatalogView, treating the sell
// source id as the marketplace id the fee schedule is keyed by.
func (v *View) MarketplaceFor(ctx context.Context, sellSourceID string) (domain.Marketplace, error) {
	schedule, err := v.catalog.GetFeeSchedule(ctx, sellSourceID)
	if err != nil {
		return domain.Marketplace{}, err
	}
	name := sellSourceID
	if src, ok := v.sources[sellSourceID]; ok {
		name = src.Name
	}
	return domain.Marketplace{
		ID:          sellSourceID,
		Name:        name,
		Currency:    "EUR",
		FeeSchedule: *schedule,
	}, nil
}

// Product implements scheduler.ProductCatalog, used by the Enricher's
// demand/risk scorers to look up the full catalog entry by id.
func (v *View) Product(productID string) domain.Product {
	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()

	p, err := v.catalog.GetProduct(ctx, productID)
	if err != nil {
		v.log.Warn().Err(err).Str("product_id", productID).Msg("catalog lookup failed, returning empty product")
		return domain.Product{ID: productID}
	}
	return *p
}

// ProductDisplay implements scheduler.ProductCatalog, resolving the
// name/sku/brand fields a webhook notification payload renders.
func (v *View) ProductDisplay(productID string) (name, sku, brand string) {
	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()

	p, err := v.catalog.GetProduct(ctx, productID)
	if err != nil {
		v.log.Warn().Err(err).Str("product_id", productID).Msg("catalog lookup failed, returning empty display fields")
		return "", "", ""
	}

	brandName := p.BrandID
	if b, err := v.catalog.GetBrand(ctx, p.BrandID); err == nil {
		brandName = b.CanonicalName
	}

	productName := p.SKU
	if n, err := v.catalog.ProductName(ctx, productID); err == nil && n != "" {
		productName = n
	}

	return productName, p.SKU, brandName
}

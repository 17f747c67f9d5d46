package domain

import (
	"context"
	"time"
)

// CatalogClient is the read-only external collaborator providing
// Product/Brand/Variant lookups. Implemented outside the core; the
// core only depends on this narrow interface to avoid import cycles.
type CatalogClient interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	GetBrand(ctx context.Context, brandID string) (*Brand, error)
	GetVariant(ctx context.Context, variantID string) (*Variant, error)
	ListProductsByBrand(ctx context.Context, brandID string) ([]Product, error)
}

// OrderHistoryClient is the read-only external collaborator providing
// per-product sales counts and shelf-life statistics over a lookback
// window, consumed by the Demand Scorer.
type OrderHistoryClient interface {
	// SalesCount returns the number of units sold for productID within the
	// last lookbackDays.
	SalesCount(ctx context.Context, productID string, lookbackDays int) (int, error)

	// ShelfLifeDays returns the shelf life (days between a unit entering
	// stock and being sold) for each unit sold within lookbackDays.
	ShelfLifeDays(ctx context.Context, productID string, lookbackDays int) ([]float64, error)

	// BrandSalesVelocity returns units sold per day, catalog-wide, for
	// every product of brandID within lookbackDays.
	BrandSalesVelocity(ctx context.Context, brandID string, lookbackDays int) (float64, error)

	// CatalogMaxBrandVelocity returns the highest BrandSalesVelocity across
	// the whole catalog, used to normalize brand popularity to 0-100.
	CatalogMaxBrandVelocity(ctx context.Context, lookbackDays int) (float64, error)
}

// FeeScheduleClient is the read-only external collaborator providing a
// marketplace's fee schedule.
type FeeScheduleClient interface {
	GetFeeSchedule(ctx context.Context, marketplaceID string) (*FeeSchedule, error)
}

// SellSidePricePoint is one observation used by the Demand/Risk scorers'
// trend and volatility computations.
type SellSidePricePoint struct {
	ObservedAt time.Time
	Price      float64
}

// PriceHistoryClient exposes the sell-side price series a product needs
// for regression (demand trend) and coefficient-of-variation (risk
// volatility) computations. Backed by the catalog service client
// (internal/catalog) in this deployment, and kept as a narrow interface so
// scoring can be tested against fakes.
type PriceHistoryClient interface {
	SellSideSeries(ctx context.Context, productID string, lookbackDays int) ([]SellSidePricePoint, error)
}

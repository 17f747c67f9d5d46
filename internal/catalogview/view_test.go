package catalogview

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/solearb/internal/domain"
)

type fakePrices struct {
	records []domain.PriceRecord
	err     error
}

func (f *fakePrices) AllLatestPrices(ctx context.Context) ([]domain.PriceRecord, error) {
	return f.records, f.err
}

type fakeCatalog struct {
	product  *domain.Product
	brand    *domain.Brand
	schedule *domain.FeeSchedule
	name     string
	err      error
}

func (f *fakeCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return f.product, f.err
}
func (f *fakeCatalog) GetBrand(ctx context.Context, brandID string) (*domain.Brand, error) {
	if f.brand == nil {
		return nil, errors.New("brand not found")
	}
	return f.brand, f.err
}
func (f *fakeCatalog) GetVariant(ctx context.Context, variantID string) (*domain.Variant, error) {
	return nil, f.err
}
func (f *fakeCatalog) ListProductsByBrand(ctx context.Context, brandID string) ([]domain.Product, error) {
	return nil, f.err
}
func (f *fakeCatalog) GetFeeSchedule(ctx context.Context, marketplaceID string) (*domain.FeeSchedule, error) {
	return f.schedule, f.err
}
func (f *fakeCatalog) ProductName(ctx context.Context, productID string) (string, error) {
	return f.name, f.err
}

func TestView_AllLatestPrices_DecoratesSourceIdentity(t *testing.T) {
	prices := &fakePrices{records: []domain.PriceRecord{
		{ProductID: "p1", Source: domain.Source{ID: "stockx"}},
	}}
	sources := map[string]domain.Source{
		"stockx": {ID: "stockx", Name: "stockx", Kind: domain.SourceKindResale, Reliability: 90},
	}
	v := New(prices, &fakeCatalog{}, sources, zerolog.Nop())

	records, err := v.AllLatestPrices(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, domain.SourceKindResale, records[0].Source.Kind)
	require.Equal(t, 90.0, records[0].Source.Reliability)
}

func TestView_MarketplaceFor_WrapsFeeSchedule(t *testing.T) {
	schedule := &domain.FeeSchedule{MarketplaceID: "stockx", Rules: []domain.FeeRule{{ID: "r1"}}}
	v := New(&fakePrices{}, &fakeCatalog{schedule: schedule}, map[string]domain.Source{
		"stockx": {ID: "stockx", Name: "StockX"},
	}, zerolog.Nop())

	mp, err := v.MarketplaceFor(context.Background(), "stockx")
	require.NoError(t, err)
	require.Equal(t, "StockX", mp.Name)
	require.Equal(t, domain.Currency("EUR"), mp.Currency)
	require.Len(t, mp.FeeSchedule.Rules, 1)
}

func TestView_Product_ReturnsEmptyProductOnCatalogError(t *testing.T) {
	v := New(&fakePrices{}, &fakeCatalog{err: errors.New("upstream down")}, nil, zerolog.Nop())

	p := v.Product("p1")
	require.Equal(t, "p1", p.ID)
	require.Equal(t, "", p.SKU)
}

func TestView_ProductDisplay_FallsBackToSKUWhenNameLookupFails(t *testing.T) {
	v := New(&fakePrices{}, &fakeCatalog{
		product: &domain.Product{ID: "p1", SKU: "SKU-1", BrandID: "nike"},
		err:     nil,
	}, nil, zerolog.Nop())

	name, sku, brand := v.ProductDisplay("p1")
	require.Equal(t, "SKU-1", name)
	require.Equal(t, "SKU-1", sku)
	require.Equal(t, "nike", brand)
}

func TestView_ProductDisplay_UsesResolvedNameAndBrand(t *testing.T) {
	v := New(&fakePrices{}, &fakeCatalog{
		product: &domain.Product{ID: "p1", SKU: "SKU-1", BrandID: "nike"},
		brand:   &domain.Brand{ID: "nike", CanonicalName: "Nike"},
		name:    "Air Max 90",
	}, nil, zerolog.Nop())

	name, sku, brand := v.ProductDisplay("p1")
	require.Equal(t, "Air Max 90", name)
	require.Equal(t, "SKU-1", sku)
	require.Equal(t, "Nike", brand)
}

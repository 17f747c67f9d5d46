// Package opportunities pairs retail-kind buy quotes with resale-kind sell
// quotes for the same product/variant and scores the resulting arbitrage
// opportunities net of marketplace fees.
package opportunities

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/fees"
)

// Filters constrains Detect's output.
type Filters struct {
	MinProfitMargin float64
	MinGrossProfit  float64
	MaxBuyPrice     *float64
	SourceAllowlist []string
	Limit           int
}

// CatalogView is the narrow read surface the Detector needs: all current
// price records across the catalog, and the sell marketplace's fee schedule.
type CatalogView interface {
	AllLatestPrices(ctx context.Context) ([]domain.PriceRecord, error)
	MarketplaceFor(ctx context.Context, sellSourceID string) (domain.Marketplace, error)
}

// Detector pairs and scores arbitrage opportunities.
type Detector struct {
	catalog CatalogView
	fees    *fees.Engine
	log     zerolog.Logger
}

// New constructs a Detector.
func New(catalog CatalogView, feeEngine *fees.Engine, log zerolog.Logger) *Detector {
	return &Detector{catalog: catalog, fees: feeEngine, log: log.With().Str("component", "opportunities").Logger()}
}

// Detect returns opportunities matching filters, sorted by profit_margin
// descending with ties broken by (product id, buy source id) ascending,
// truncated to filters.Limit.
func (d *Detector) Detect(ctx context.Context, filters Filters) ([]domain.Opportunity, error) {
	records, err := d.catalog.AllLatestPrices(ctx)
	if err != nil {
		return nil, err
	}

	allowed := allowlistSet(filters.SourceAllowlist)

	type key struct{ productID, variantID string }
	buys := map[key][]domain.PriceRecord{}
	sells := map[key][]domain.PriceRecord{}
	for _, rec := range records {
		k := key{rec.ProductID, rec.VariantID}
		switch rec.Source.Kind {
		case domain.SourceKindRetail, domain.SourceKindWholesale:
			buys[k] = append(buys[k], rec)
		case domain.SourceKindResale, domain.SourceKindAuction:
			sells[k] = append(sells[k], rec)
		}
	}

	var out []domain.Opportunity
	for k, buyRecords := range buys {
		sellRecords, ok := sells[k]
		if !ok {
			continue
		}
		for _, buy := range buyRecords {
			if !buy.InStock {
				continue
			}
			if len(allowed) > 0 && !allowed[buy.Source.Name] {
				continue
			}
			if filters.MaxBuyPrice != nil && buy.Price.Amount > *filters.MaxBuyPrice {
				continue
			}
			for _, sell := range sellRecords {
				opp, err := d.pair(ctx, buy, sell)
				if err != nil {
					if apperr.Is(err, apperr.DataIntegrity) {
						d.log.Warn().Err(err).Str("product_id", k.productID).Msg("skipping candidate pair")
						continue
					}
					return nil, err
				}
				if opp.ProfitMargin < filters.MinProfitMargin {
					continue
				}
				if opp.GrossProfit < filters.MinGrossProfit {
					continue
				}
				out = append(out, opp)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ProfitMargin != out[j].ProfitMargin {
			return out[i].ProfitMargin > out[j].ProfitMargin
		}
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Buy.Source.ID < out[j].Buy.Source.ID
	})

	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}

	return out, nil
}

func (d *Detector) pair(ctx context.Context, buy, sell domain.PriceRecord) (domain.Opportunity, error) {
	marketplace, err := d.catalog.MarketplaceFor(ctx, sell.Source.ID)
	if err != nil {
		return domain.Opportunity{}, err
	}

	payout, err := d.fees.PayoutFor(marketplace.FeeSchedule, sell.Price.Amount, time.Now())
	if err != nil {
		return domain.Opportunity{}, err
	}

	grossProfit := payout.NetPayout - buy.Price.Amount
	var margin float64
	if buy.Price.Amount > 0 {
		margin = grossProfit / buy.Price.Amount
	}

	return domain.Opportunity{
		ProductID:    buy.ProductID,
		VariantID:    buy.VariantID,
		Buy:          buy,
		Sell:         sell,
		NetSell:      payout.NetPayout,
		GrossProfit:  grossProfit,
		ProfitMargin: margin,
		ROI:          margin,
		Fees:         payout,
	}, nil
}

func allowlistSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

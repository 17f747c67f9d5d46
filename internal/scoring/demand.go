// Package scoring implements the Demand Scorer and Risk Scorer: weighted
// composite scores over a fixed set of named, weighted components (named
// Weight* constants summing to 1.0, per-component piecewise-linear mapping
// functions).
package scoring

import (
	"context"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/solearb/internal/domain"
)

// Demand component weights (must sum to 1.0).
const (
	DemandWeightSalesFrequency  = 0.40
	DemandWeightPriceTrend      = 0.25
	DemandWeightStockTurnover   = 0.20
	DemandWeightSeasonal        = 0.10
	DemandWeightBrandPopularity = 0.05

	// SalesFrequencySaturationPerDay is the sales/day rate that maps to a
	// sales-frequency score of 100.
	SalesFrequencySaturationPerDay = 5.0

	// StockTurnoverCapDays is the shelf-life-days value that maps to a
	// stock-turnover score of 0.
	StockTurnoverCapDays = 90.0

	// StableTrendThreshold is the |slope/price_mean| per-day magnitude below
	// which a price trend is labeled "stable" rather than increasing/decreasing.
	StableTrendThreshold = 0.01

	// ImputedScore is the neutral score assigned to a component whose raw
	// data is insufficient to compute.
	ImputedScore = 50.0
)

// DemandScorer computes the Demand Scorer composite.
type DemandScorer struct {
	orders       domain.OrderHistoryClient
	priceHistory domain.PriceHistoryClient
	catalog      domain.CatalogClient
	seasonality  SeasonalityTable
}

// SeasonalityTable maps a category to its 12 month-of-year factors (0-100),
// a fixed, operator-provided design constant.
type SeasonalityTable map[string][12]float64

// NewDemandScorer constructs a DemandScorer.
func NewDemandScorer(orders domain.OrderHistoryClient, priceHistory domain.PriceHistoryClient, catalog domain.CatalogClient, seasonality SeasonalityTable) *DemandScorer {
	return &DemandScorer{orders: orders, priceHistory: priceHistory, catalog: catalog, seasonality: seasonality}
}

// Score computes the demand composite for product over lookbackDays.
func (s *DemandScorer) Score(ctx context.Context, product domain.Product, lookbackDays int) (float64, domain.DemandBreakdown, error) {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}

	salesFreq, salesPerDay, err := s.salesFrequencyComponent(ctx, product.ID, lookbackDays)
	if err != nil {
		return 0, domain.DemandBreakdown{}, err
	}

	priceTrend, direction, err := s.priceTrendComponent(ctx, product.ID, lookbackDays)
	if err != nil {
		return 0, domain.DemandBreakdown{}, err
	}

	turnover, avgTurnoverDays, err := s.stockTurnoverComponent(ctx, product.ID, lookbackDays)
	if err != nil {
		return 0, domain.DemandBreakdown{}, err
	}

	seasonal := s.seasonalComponent(product.Category)

	brandPop, err := s.brandPopularityComponent(ctx, product.BrandID, lookbackDays)
	if err != nil {
		return 0, domain.DemandBreakdown{}, err
	}

	composite := clamp(
		salesFreq.Score*DemandWeightSalesFrequency+
			priceTrend.Score*DemandWeightPriceTrend+
			turnover.Score*DemandWeightStockTurnover+
			seasonal.Score*DemandWeightSeasonal+
			brandPop.Score*DemandWeightBrandPopularity,
		0, 100,
	)

	return composite, domain.DemandBreakdown{
		SalesFrequency:  salesFreq,
		PriceTrend:      priceTrend,
		StockTurnover:   turnover,
		Seasonal:        seasonal,
		BrandPopularity: brandPop,
		Composite:       composite,
		SalesPerDay:     salesPerDay,
		TrendDirection:  direction,
		AvgTurnoverDays: avgTurnoverDays,
	}, nil
}

func (s *DemandScorer) salesFrequencyComponent(ctx context.Context, productID string, lookbackDays int) (domain.ComponentScore, float64, error) {
	count, err := s.orders.SalesCount(ctx, productID, lookbackDays)
	if err != nil {
		return domain.ComponentScore{}, 0, err
	}
	if count == 0 {
		return domain.ComponentScore{Raw: 0, Score: ImputedScore, Imputed: true}, 0, nil
	}

	salesPerDay := float64(count) / float64(lookbackDays)
	score := clamp(salesPerDay/SalesFrequencySaturationPerDay*100, 0, 100)
	return domain.ComponentScore{Raw: salesPerDay, Score: score}, salesPerDay, nil
}

func (s *DemandScorer) priceTrendComponent(ctx context.Context, productID string, lookbackDays int) (domain.ComponentScore, domain.TrendDirection, error) {
	points, err := s.priceHistory.SellSideSeries(ctx, productID, lookbackDays)
	if err != nil {
		return domain.ComponentScore{}, domain.TrendStable, err
	}
	if len(points) < 2 {
		return domain.ComponentScore{Raw: 0, Score: ImputedScore, Imputed: true}, domain.TrendStable, nil
	}

	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	var priceSum float64
	base := points[0].ObservedAt
	for i, p := range points {
		xs[i] = p.ObservedAt.Sub(base).Hours() / 24
		ys[i] = p.Price
		priceSum += p.Price
	}
	priceMean := priceSum / float64(len(points))

	_, slope := stat.LinearRegression(xs, ys, nil, false)

	// Cross-checked against a linear-regression slope over the same series
	// computed via go-talib's LINEARREG_SLOPE, guarding against a
	// gonum/talib disagreement silently producing a flipped trend label.
	talibSlope := lastLinRegSlope(ys)
	if math.Signbit(slope) != math.Signbit(talibSlope) && math.Abs(talibSlope) > 1e-9 {
		slope = talibSlope
	}

	var relSlope float64
	if priceMean > 0 {
		relSlope = slope / priceMean
	}

	var direction domain.TrendDirection
	var score float64
	switch {
	case math.Abs(relSlope) < StableTrendThreshold:
		direction = domain.TrendStable
		score = 50
	case relSlope > 0:
		direction = domain.TrendIncreasing
		score = 100
	default:
		direction = domain.TrendDecreasing
		score = 0
	}

	return domain.ComponentScore{Raw: relSlope, Score: score}, direction, nil
}

// lastLinRegSlope returns go-talib's linear regression slope for the final
// observation in a series, used only as a directional cross-check.
func lastLinRegSlope(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	period := len(ys)
	if period > 200 {
		period = 200
		ys = ys[len(ys)-period:]
	}
	slopes := talib.LinearRegSlope(ys, period)
	if len(slopes) == 0 {
		return 0
	}
	return slopes[len(slopes)-1]
}

func (s *DemandScorer) stockTurnoverComponent(ctx context.Context, productID string, lookbackDays int) (domain.ComponentScore, float64, error) {
	shelfLives, err := s.orders.ShelfLifeDays(ctx, productID, lookbackDays)
	if err != nil {
		return domain.ComponentScore{}, 0, err
	}
	if len(shelfLives) == 0 {
		return domain.ComponentScore{Raw: 0, Score: ImputedScore, Imputed: true}, 0, nil
	}

	var sum float64
	for _, d := range shelfLives {
		sum += d
	}
	mean := sum / float64(len(shelfLives))

	score := clamp(100*(1-mean/StockTurnoverCapDays), 0, 100)
	return domain.ComponentScore{Raw: mean, Score: score}, mean, nil
}

func (s *DemandScorer) seasonalComponent(category string) domain.ComponentScore {
	factors, ok := s.seasonality[category]
	if !ok {
		return domain.ComponentScore{Raw: 0, Score: ImputedScore, Imputed: true}
	}
	month := int(time.Now().Month()) - 1
	factor := factors[month]
	return domain.ComponentScore{Raw: factor, Score: clamp(factor, 0, 100)}
}

func (s *DemandScorer) brandPopularityComponent(ctx context.Context, brandID string, lookbackDays int) (domain.ComponentScore, error) {
	if brandID == "" {
		return domain.ComponentScore{Raw: 0, Score: ImputedScore, Imputed: true}, nil
	}

	velocity, err := s.orders.BrandSalesVelocity(ctx, brandID, lookbackDays)
	if err != nil {
		return domain.ComponentScore{}, err
	}
	maxVelocity, err := s.orders.CatalogMaxBrandVelocity(ctx, lookbackDays)
	if err != nil {
		return domain.ComponentScore{}, err
	}
	if maxVelocity <= 0 {
		return domain.ComponentScore{Raw: velocity, Score: ImputedScore, Imputed: true}, nil
	}

	score := clamp(velocity/maxVelocity*100, 0, 100)
	return domain.ComponentScore{Raw: velocity, Score: score}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

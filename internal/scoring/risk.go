package scoring

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/solearb/internal/domain"
)

// Risk component weights (must sum to 1.0).
const (
	RiskWeightDemand            = 0.30
	RiskWeightPriceVolatility   = 0.25
	RiskWeightStockAvailability = 0.20
	RiskWeightProfitMargin      = 0.15
	RiskWeightSourceReliability = 0.10

	// RiskFactorThreshold is the per-component score above which a
	// human-readable risk factor string is appended.
	RiskFactorThreshold = 70.0

	// StockAvailabilitySaturation is the buy-side stock_qty at or above
	// which the stock-availability risk contribution is 0.
	StockAvailabilitySaturation = 10

	// ProfitMarginSaturation is the profit margin at or above which the
	// margin risk contribution is 0.
	ProfitMarginSaturation = 0.5

	// VolatilityLookbackDays is the window the coefficient-of-variation
	// volatility component is computed over.
	VolatilityLookbackDays = 30
)

// RiskScorer computes the Risk Scorer assessment.
type RiskScorer struct {
	priceHistory domain.PriceHistoryClient
}

// NewRiskScorer constructs a RiskScorer.
func NewRiskScorer(priceHistory domain.PriceHistoryClient) *RiskScorer {
	return &RiskScorer{priceHistory: priceHistory}
}

// Assess computes the risk assessment for opportunity given its precomputed
// demand composite.
func (s *RiskScorer) Assess(ctx context.Context, opportunity domain.Opportunity, demandScore float64) (domain.RiskAssessment, error) {
	demandRisk := 100 - demandScore

	volatility, err := s.volatilityComponent(ctx, opportunity.ProductID)
	if err != nil {
		return domain.RiskAssessment{}, err
	}

	stockQty := 0
	if opportunity.Buy.StockQty != nil {
		stockQty = *opportunity.Buy.StockQty
	}
	stockRisk := stockAvailabilityRisk(stockQty)

	marginRisk := clamp((1-opportunity.ProfitMargin/ProfitMarginSaturation)*100, 0, 100)

	reliabilityRisk := 100 - opportunity.Buy.Source.Reliability

	riskScore := clamp(
		demandRisk*RiskWeightDemand+
			volatility*RiskWeightPriceVolatility+
			stockRisk*RiskWeightStockAvailability+
			marginRisk*RiskWeightProfitMargin+
			reliabilityRisk*RiskWeightSourceReliability,
		0, 100,
	)

	bucket := bucketFor(riskScore)

	var factors []string
	if demandRisk > RiskFactorThreshold {
		factors = append(factors, fmt.Sprintf("low demand (demand score %.0f)", demandScore))
	}
	if volatility > RiskFactorThreshold {
		factors = append(factors, "high price volatility")
	}
	if stockRisk > RiskFactorThreshold {
		factors = append(factors, fmt.Sprintf("low stock (%d unit%s)", stockQty, plural(stockQty)))
	}
	if marginRisk > RiskFactorThreshold {
		factors = append(factors, fmt.Sprintf("thin margin (%.1f%%)", opportunity.ProfitMargin*100))
	}
	if reliabilityRisk > RiskFactorThreshold {
		factors = append(factors, fmt.Sprintf("unreliable source (reliability %.0f)", opportunity.Buy.Source.Reliability))
	}

	return domain.RiskAssessment{
		RiskScore:       riskScore,
		Bucket:          bucket,
		RiskFactors:     factors,
		Recommendations: recommendationsFor(demandRisk, volatility, stockRisk, marginRisk, reliabilityRisk),
	}, nil
}

func (s *RiskScorer) volatilityComponent(ctx context.Context, productID string) (float64, error) {
	points, err := s.priceHistory.SellSideSeries(ctx, productID, VolatilityLookbackDays)
	if err != nil {
		return 0, err
	}
	if len(points) < 2 {
		return ImputedScore, nil
	}

	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.Price
	}
	mean := stat.Mean(prices, nil)
	if mean <= 0 {
		return ImputedScore, nil
	}
	stddev := stat.StdDev(prices, nil)
	cv := stddev / mean * 100
	return clamp(cv, 0, 100), nil
}

func stockAvailabilityRisk(stockQty int) float64 {
	if stockQty <= 0 {
		return 100
	}
	if stockQty >= StockAvailabilitySaturation {
		return 0
	}
	return clamp(100*(1-float64(stockQty)/StockAvailabilitySaturation), 0, 100)
}

func bucketFor(riskScore float64) domain.RiskBucket {
	switch {
	case riskScore < 33:
		return domain.RiskLow
	case riskScore <= 66:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}

// recommendationsFor maps the dominant risk factor to one-line advice.
// Only the highest-contributing factor above threshold generates a
// recommendation, avoiding redundant advice for compound risk.
func recommendationsFor(demandRisk, volatility, stockRisk, marginRisk, reliabilityRisk float64) []string {
	type factor struct {
		score float64
		text  string
	}
	candidates := []factor{
		{volatility, "monitor price for 48h before buying"},
		{stockRisk, "buy quickly before stock runs out"},
		{demandRisk, "confirm current demand before committing capital"},
		{marginRisk, "renegotiate buy price or skip — margin is thin after fees"},
		{reliabilityRisk, "verify source reliability before relying on this quote"},
	}

	var best *factor
	for i := range candidates {
		if candidates[i].score <= RiskFactorThreshold {
			continue
		}
		if best == nil || candidates[i].score > best.score {
			best = &candidates[i]
		}
	}
	if best == nil {
		return nil
	}
	return []string{best.text}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

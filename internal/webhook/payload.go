// Package webhook builds and delivers the Alert Scheduler's notification
// payload: one POST per dispatch, JSON body,
// X-Dispatch-Key idempotency header, retried on transient failure.
package webhook

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/solearb/internal/domain"
)

// AlertRef identifies the alert a notification was dispatched for.
type AlertRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"user_id"`
}

// OpportunityPayload is one opportunity entry in the wire payload.
type OpportunityPayload struct {
	ProductName         string                 `json:"product_name"`
	ProductSKU          string                 `json:"product_sku"`
	Brand               string                 `json:"brand"`
	BuyPrice            float64                `json:"buy_price"`
	SellPrice           float64                `json:"sell_price"`
	GrossProfit         float64                `json:"gross_profit"`
	ProfitMargin        float64                `json:"profit_margin"`
	ROI                 float64                `json:"roi"`
	BuySource           string                 `json:"buy_source"`
	BuySupplier         string                 `json:"buy_supplier"`
	BuyURL              string                 `json:"buy_url"`
	StockQty            int                    `json:"stock_qty"`
	FeasibilityScore    int                    `json:"feasibility_score"`
	DemandScore         float64                `json:"demand_score"`
	RiskLevel           domain.RiskBucket      `json:"risk_level"`
	EstimatedDaysToSell int                    `json:"estimated_days_to_sell"`
	DemandBreakdown     domain.DemandBreakdown `json:"demand_breakdown"`
	RiskDetails         domain.RiskAssessment  `json:"risk_details"`
}

// Summary aggregates an opportunity batch for the notification payload.
type Summary struct {
	TotalOpportunities   int     `json:"total_opportunities"`
	AvgProfitMargin      float64 `json:"avg_profit_margin"`
	AvgFeasibility       float64 `json:"avg_feasibility"`
	TotalPotentialProfit float64 `json:"total_potential_profit"`
}

// NotificationPayload is the full wire body POSTed to an alert's
// webhook_url.
type NotificationPayload struct {
	Alert              AlertRef             `json:"alert"`
	NotificationConfig map[string]string    `json:"notification_config"`
	Opportunities      []OpportunityPayload `json:"opportunities"`
	Summary            Summary              `json:"summary"`
	Timestamp          string               `json:"timestamp"`
}

// ProductLookup resolves display fields the Opportunity/EnhancedOpportunity
// shape doesn't itself carry (name, sku, brand), sourced from the catalog.
type ProductLookup func(productID string) (name, sku, brand string)

// BuildPayload assembles the notification payload for an alert's matched
// opportunities.
func BuildPayload(def domain.AlertDefinition, opportunities []domain.EnhancedOpportunity, lookup ProductLookup, now time.Time) NotificationPayload {
	items := make([]OpportunityPayload, 0, len(opportunities))
	var marginSum, feasibilitySum, profitSum float64

	for _, eo := range opportunities {
		name, sku, brand := lookup(eo.ProductID)
		stockQty := 0
		if eo.Buy.StockQty != nil {
			stockQty = *eo.Buy.StockQty
		}
		items = append(items, OpportunityPayload{
			ProductName:         name,
			ProductSKU:          sku,
			Brand:               brand,
			BuyPrice:            eo.Buy.Price.Amount,
			SellPrice:           eo.Sell.Price.Amount,
			GrossProfit:         eo.GrossProfit,
			ProfitMargin:        eo.ProfitMargin,
			ROI:                 eo.ROI,
			BuySource:           eo.Buy.Source.Name,
			BuySupplier:         eo.Buy.SupplierID,
			BuyURL:              eo.Buy.ExternalURL,
			StockQty:            stockQty,
			FeasibilityScore:    int(eo.FeasibilityScore),
			DemandScore:         eo.Demand.Composite,
			RiskLevel:           eo.Risk.Bucket,
			EstimatedDaysToSell: eo.EstimatedDaysToSell,
			DemandBreakdown:     eo.Demand,
			RiskDetails:         eo.Risk,
		})
		marginSum += eo.ProfitMargin
		feasibilitySum += eo.FeasibilityScore
		profitSum += eo.GrossProfit
	}

	summary := Summary{TotalOpportunities: len(items), TotalPotentialProfit: profitSum}
	if len(items) > 0 {
		summary.AvgProfitMargin = marginSum / float64(len(items))
		summary.AvgFeasibility = feasibilitySum / float64(len(items))
	}

	return NotificationPayload{
		Alert:              AlertRef{ID: def.ID, Name: def.Name, UserID: def.UserID},
		NotificationConfig: def.NotificationConfig,
		Opportunities:      items,
		Summary:            summary,
		Timestamp:          now.UTC().Format(time.RFC3339),
	}
}

// DispatchKey computes the deterministic dedupe key:
// a hash of (alert id, sorted product ids, a time bucket of width
// frequencyMinutes), used both as the dedupe identity and the
// X-Dispatch-Key idempotency header.
func DispatchKey(alertID string, productIDs []string, now time.Time, frequencyMinutes int) string {
	sorted := append([]string(nil), productIDs...)
	sort.Strings(sorted)

	bucketWidth := time.Duration(frequencyMinutes) * time.Minute
	if bucketWidth <= 0 {
		bucketWidth = time.Minute
	}
	bucket := now.Unix() / int64(bucketWidth.Seconds())

	h := sha1.New()
	fmt.Fprintf(h, "%s|%d", alertID, bucket)
	for _, id := range sorted {
		fmt.Fprintf(h, "|%s", id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

package testing

import (
	"time"

	"github.com/aristath/solearb/internal/domain"
)

// NewTestPriceRecord builds a minimal valid PriceRecord for tests, with
// sensible overridable defaults.
func NewTestPriceRecord(productID, sourceID string, kind domain.SourceKind, price float64, inStock bool) domain.PriceRecord {
	return domain.PriceRecord{
		ProductID: productID,
		VariantID: "v-us-10",
		Source: domain.Source{
			ID:          sourceID,
			Name:        sourceID,
			Kind:        kind,
			Reliability: 80,
		},
		SupplierID: "test-supplier",
		Price:      domain.NewMoney(price, "EUR"),
		InStock:    inStock,
		ObservedAt: time.Now().UTC(),
	}
}

// NewTestMarketplace builds a marketplace with a representative fee
// schedule (transaction 8.5% min 5.00 EUR, payment 3%, shipping fixed
// 4.50 EUR).
func NewTestMarketplace() domain.Marketplace {
	min := 5.00
	return domain.Marketplace{
		ID:       "stockx",
		Name:     "StockX",
		Currency: "EUR",
		FeeSchedule: domain.FeeSchedule{
			MarketplaceID: "stockx",
			Rules: []domain.FeeRule{
				{ID: "txn", Type: domain.FeeTypeTransaction, Calc: domain.FeeCalcPercentage, Value: 0.085, Minimum: &min, EffectiveFrom: time.Unix(0, 0)},
				{ID: "pay", Type: domain.FeeTypePaymentProcessing, Calc: domain.FeeCalcPercentage, Value: 0.03, EffectiveFrom: time.Unix(0, 0)},
				{ID: "ship", Type: domain.FeeTypeShipping, Calc: domain.FeeCalcFixed, Value: 4.50, EffectiveFrom: time.Unix(0, 0)},
			},
		},
	}
}

// NewTestAlertDefinition builds a permissive, always-active alert definition.
func NewTestAlertDefinition(id, webhookURL string) domain.AlertDefinition {
	return domain.AlertDefinition{
		ID:     id,
		UserID: "test-user",
		Name:   "test alert",
		Filter: domain.AlertFilter{
			MinProfitMargin:     0,
			MinFeasibilityScore: 0,
			MaxRiskLevel:        domain.RiskHigh,
			MaxOpportunities:    20,
		},
		WebhookURL:       webhookURL,
		FrequencyMinutes: 15,
		ActiveHours:      domain.ActiveHours{StartMinute: 0, EndMinute: 1440},
		ActiveDays: map[time.Weekday]bool{
			time.Sunday: true, time.Monday: true, time.Tuesday: true, time.Wednesday: true,
			time.Thursday: true, time.Friday: true, time.Saturday: true,
		},
		Timezone: "UTC",
		Active:   true,
		State:    domain.AlertStateIdle,
	}
}

package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/solearb/internal/domain"
)

func sampleEnhanced(productID string, margin, grossProfit float64) domain.EnhancedOpportunity {
	qty := 3
	return domain.EnhancedOpportunity{
		Opportunity: domain.Opportunity{
			ProductID: productID,
			Buy: domain.PriceRecord{
				Price:       domain.Money{Amount: 100, Currency: domain.Currency("USD")},
				Source:      domain.Source{Name: "awin"},
				SupplierID:  "AfewStore",
				StockQty:    &qty,
				ExternalURL: "https://example.com/product",
			},
			Sell:         domain.PriceRecord{Price: domain.Money{Amount: 160, Currency: domain.Currency("USD")}},
			GrossProfit:  grossProfit,
			ProfitMargin: margin,
			ROI:          margin,
		},
		Demand:              domain.DemandBreakdown{Composite: 72.5},
		Risk:                domain.RiskAssessment{Bucket: domain.RiskLow},
		FeasibilityScore:    88,
		EstimatedDaysToSell: 5,
	}
}

func TestBuildPayload_PopulatesSummaryAndLooksUpProductFields(t *testing.T) {
	def := domain.AlertDefinition{ID: "a1", Name: "Sneaker Flips", UserID: "u1", NotificationConfig: map[string]string{"channel": "slack"}}
	opps := []domain.EnhancedOpportunity{
		sampleEnhanced("p1", 0.4, 60),
		sampleEnhanced("p2", 0.2, 30),
	}
	lookup := func(productID string) (string, string, string) {
		return "Air Max 90", "SKU-" + productID, "Nike"
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	payload := BuildPayload(def, opps, lookup, now)

	require.Equal(t, "a1", payload.Alert.ID)
	require.Len(t, payload.Opportunities, 2)
	require.Equal(t, "Air Max 90", payload.Opportunities[0].ProductName)
	require.Equal(t, "SKU-p1", payload.Opportunities[0].ProductSKU)
	require.Equal(t, "Nike", payload.Opportunities[0].Brand)
	require.Equal(t, 3, payload.Opportunities[0].StockQty)
	require.Equal(t, "AfewStore", payload.Opportunities[0].BuySupplier)

	require.Equal(t, 2, payload.Summary.TotalOpportunities)
	require.InDelta(t, 0.3, payload.Summary.AvgProfitMargin, 0.0001)
	require.InDelta(t, 90.0, payload.Summary.TotalPotentialProfit, 0.0001)
	require.Equal(t, "2026-01-01T12:00:00Z", payload.Timestamp)
}

func TestBuildPayload_EmptyOpportunitiesProducesZeroedSummary(t *testing.T) {
	def := domain.AlertDefinition{ID: "a1"}
	payload := BuildPayload(def, nil, func(string) (string, string, string) { return "", "", "" }, time.Now())

	require.Equal(t, 0, payload.Summary.TotalOpportunities)
	require.Zero(t, payload.Summary.AvgProfitMargin)
	require.Empty(t, payload.Opportunities)
}

func TestDispatchKey_IsDeterministicAndOrderIndependent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 3, 0, 0, time.UTC)

	a := DispatchKey("alert-1", []string{"p2", "p1"}, now, 15)
	b := DispatchKey("alert-1", []string{"p1", "p2"}, now, 15)
	require.Equal(t, a, b, "product id ordering must not affect the key")

	c := DispatchKey("alert-1", []string{"p1", "p3"}, now, 15)
	require.NotEqual(t, a, c, "different product sets must produce different keys")
}

func TestDispatchKey_BucketsTimeByFrequencyWindow(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	t3 := time.Date(2026, 1, 1, 12, 20, 0, 0, time.UTC)

	k1 := DispatchKey("alert-1", []string{"p1"}, t1, 15)
	k2 := DispatchKey("alert-1", []string{"p1"}, t2, 15)
	k3 := DispatchKey("alert-1", []string{"p1"}, t3, 15)

	require.Equal(t, k1, k2, "times within the same frequency bucket must produce the same key")
	require.NotEqual(t, k1, k3, "times in a different frequency bucket must produce a different key")
}

// Package enrichment computes EnhancedOpportunity values (demand, risk,
// feasibility, estimated days to sell) over the raw Opportunity stream,
// memoizing the expensive demand/risk pair with a short TTL. The cache is
// in-memory and product-id-sharded because its contents are explicitly
// ephemeral and must invalidate eagerly on price changes rather than
// waiting out a row's TTL.
package enrichment

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/events"
	"github.com/aristath/solearb/internal/scoring"
)

// Feasibility weights.
const (
	FeasibilityWeightDemand = 0.40
	FeasibilityWeightRisk   = 0.30
	FeasibilityWeightMargin = 0.20
	FeasibilityWeightStock  = 0.10
	MarginFeasibilityScale  = 200.0
	StockFeasibilityScale   = 10.0
	EstimatedDaysMin        = 1
	EstimatedDaysMax        = 90
	EstimatedDaysBaseFactor = 90.0
	EstimatedDaysRiskFactor = 5.0
	DefaultCacheTTL         = 15 * time.Minute
)

type cacheKey struct {
	productID    string
	lookbackDays int
}

type cacheEntry struct {
	demand     domain.DemandBreakdown
	demandComp float64
	risk       domain.RiskAssessment
	expiresAt  time.Time
}

// shard is a per-product-id lock-protected cache bucket: scoring caches
// are sharded by product id to avoid lock contention.
type shard struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// Enricher computes and caches EnhancedOpportunity values.
type Enricher struct {
	demand *scoring.DemandScorer
	risk   *scoring.RiskScorer
	ttl    time.Duration

	shardsMu sync.Mutex
	shards   map[string]*shard
}

// New constructs an Enricher and subscribes it to bus for eager cache
// invalidation on PriceChanged events.
func New(demand *scoring.DemandScorer, risk *scoring.RiskScorer, ttl time.Duration, bus *events.Bus) *Enricher {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	e := &Enricher{
		demand: demand,
		risk:   risk,
		ttl:    ttl,
		shards: make(map[string]*shard),
	}
	if bus != nil {
		bus.Subscribe(events.PriceChanged, func(payload any) {
			if data, ok := payload.(events.PriceChangedData); ok {
				e.invalidate(data.ProductID)
			}
		})
	}
	return e
}

func (e *Enricher) shardFor(productID string) *shard {
	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	s, ok := e.shards[productID]
	if !ok {
		s = &shard{entries: make(map[cacheKey]cacheEntry)}
		e.shards[productID] = s
	}
	return s
}

func (e *Enricher) invalidate(productID string) {
	e.shardsMu.Lock()
	s, ok := e.shards[productID]
	e.shardsMu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.productID == productID {
			delete(s.entries, k)
		}
	}
}

// Enhance scores every opportunity with demand/risk/feasibility.
func (e *Enricher) Enhance(ctx context.Context, opportunities []domain.Opportunity, product func(string) domain.Product, lookbackDays int) ([]domain.EnhancedOpportunity, error) {
	out := make([]domain.EnhancedOpportunity, 0, len(opportunities))
	for _, opp := range opportunities {
		enhanced, err := e.enhanceOne(ctx, opp, product(opp.ProductID), lookbackDays)
		if err != nil {
			return nil, err
		}
		out = append(out, enhanced)
	}
	return out, nil
}

func (e *Enricher) enhanceOne(ctx context.Context, opp domain.Opportunity, product domain.Product, lookbackDays int) (domain.EnhancedOpportunity, error) {
	demandComposite, demandBreakdown, riskAssessment, err := e.scoredComponents(ctx, opp, product, lookbackDays)
	if err != nil {
		return domain.EnhancedOpportunity{}, err
	}

	stockQty := 0
	if opp.Buy.StockQty != nil {
		stockQty = *opp.Buy.StockQty
	}

	feasibility := clamp(
		FeasibilityWeightDemand*demandComposite+
			FeasibilityWeightRisk*(100-riskAssessment.RiskScore)+
			FeasibilityWeightMargin*clamp(opp.ProfitMargin*MarginFeasibilityScale, 0, 100)+
			FeasibilityWeightStock*clamp(float64(stockQty)*StockFeasibilityScale, 0, 100),
		0, 100,
	)

	estimatedDays := estimatedDaysToSell(demandComposite, riskAssessment.RiskScore)

	return domain.EnhancedOpportunity{
		Opportunity:         opp,
		Demand:              demandBreakdown,
		Risk:                riskAssessment,
		FeasibilityScore:    feasibility,
		EstimatedDaysToSell: estimatedDays,
	}, nil
}

func (e *Enricher) scoredComponents(ctx context.Context, opp domain.Opportunity, product domain.Product, lookbackDays int) (float64, domain.DemandBreakdown, domain.RiskAssessment, error) {
	key := cacheKey{productID: opp.ProductID, lookbackDays: lookbackDays}
	s := e.shardFor(opp.ProductID)

	s.mu.Lock()
	if entry, ok := s.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.demandComp, entry.demand, entry.risk, nil
	}
	s.mu.Unlock()

	demandComposite, demandBreakdown, err := e.demand.Score(ctx, product, lookbackDays)
	if err != nil {
		return 0, domain.DemandBreakdown{}, domain.RiskAssessment{}, err
	}
	riskAssessment, err := e.risk.Assess(ctx, opp, demandComposite)
	if err != nil {
		return 0, domain.DemandBreakdown{}, domain.RiskAssessment{}, err
	}

	s.mu.Lock()
	s.entries[key] = cacheEntry{
		demand:     demandBreakdown,
		demandComp: demandComposite,
		risk:       riskAssessment,
		expiresAt:  time.Now().Add(e.ttl),
	}
	s.mu.Unlock()

	return demandComposite, demandBreakdown, riskAssessment, nil
}

// Top filters enhanced opportunities to those meeting minFeasibility and
// maxRisk, sorted by feasibility descending, truncated to limit.
func (e *Enricher) Top(ctx context.Context, opportunities []domain.Opportunity, product func(string) domain.Product, lookbackDays, limit int, minFeasibility float64, maxRisk domain.RiskBucket) ([]domain.EnhancedOpportunity, error) {
	enhanced, err := e.Enhance(ctx, opportunities, product, lookbackDays)
	if err != nil {
		return nil, err
	}

	var filtered []domain.EnhancedOpportunity
	for _, eo := range enhanced {
		if eo.FeasibilityScore < minFeasibility {
			continue
		}
		if bucketRank(eo.Risk.Bucket) > bucketRank(maxRisk) {
			continue
		}
		filtered = append(filtered, eo)
	}

	sortByFeasibilityDesc(filtered)

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func estimatedDaysToSell(demandComposite, riskScore float64) int {
	days := EstimatedDaysBaseFactor*(1-demandComposite/100) + EstimatedDaysRiskFactor*(riskScore/100)
	rounded := math.Round(days)
	if rounded < EstimatedDaysMin {
		rounded = EstimatedDaysMin
	}
	if rounded > EstimatedDaysMax {
		rounded = EstimatedDaysMax
	}
	return int(rounded)
}

func bucketRank(b domain.RiskBucket) int {
	switch b {
	case domain.RiskLow:
		return 0
	case domain.RiskMedium:
		return 1
	default:
		return 2
	}
}

func sortByFeasibilityDesc(opps []domain.EnhancedOpportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].FeasibilityScore > opps[j].FeasibilityScore
	})
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

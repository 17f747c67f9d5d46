package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/opportunities"
	"github.com/aristath/solearb/internal/webhook"
)

type fakeAlertStore struct {
	mu            sync.Mutex
	defs          map[string]domain.AlertDefinition
	dueIDs        []string
	transitions   []domain.AlertState
	scansRecorded int
	dispatches    []int
	failures      int
}

func newFakeAlertStore(defs ...domain.AlertDefinition) *fakeAlertStore {
	s := &fakeAlertStore{defs: map[string]domain.AlertDefinition{}}
	for _, d := range defs {
		s.defs[d.ID] = d
		s.dueIDs = append(s.dueIDs, d.ID)
	}
	return s
}

func (s *fakeAlertStore) Get(id string) (domain.AlertDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defs[id], nil
}

func (s *fakeAlertStore) DueForScan(asOf time.Time) ([]domain.AlertDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AlertDefinition, 0, len(s.dueIDs))
	for _, id := range s.dueIDs {
		out = append(out, s.defs[id])
	}
	s.dueIDs = nil
	return out, nil
}

func (s *fakeAlertStore) TransitionState(id string, newState domain.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, newState)
	return nil
}

func (s *fakeAlertStore) RecordScan(id string, scannedAt time.Time, scanErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scansRecorded++
	return nil
}

func (s *fakeAlertStore) RecordDispatch(id string, opportunityCount int, dispatchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatches = append(s.dispatches, opportunityCount)
	return nil
}

func (s *fakeAlertStore) RecordFailedDispatch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return nil
}

type fakeHistory struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeHistory() *fakeHistory { return &fakeHistory{seen: map[string]bool{}} }

func (h *fakeHistory) Seen(alertID, dispatchKey string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[alertID+"|"+dispatchKey], nil
}

func (h *fakeHistory) Record(alertID, dispatchKey string, dispatchedAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[alertID+"|"+dispatchKey] = true
	return nil
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	records int
}

func (d *fakeDeadLetters) Record(alertID, dispatchKey string, statusCode int, dispatchErr error, payload []byte, failedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records++
	return nil
}

type fakeDetector struct {
	opps []domain.Opportunity
	err  error
}

func (d *fakeDetector) Detect(ctx context.Context, filters opportunities.Filters) ([]domain.Opportunity, error) {
	return d.opps, d.err
}

type fakeEnricher struct{}

func (fakeEnricher) Top(ctx context.Context, opps []domain.Opportunity, product func(string) domain.Product, lookbackDays, limit int, minFeasibility float64, maxRisk domain.RiskBucket) ([]domain.EnhancedOpportunity, error) {
	out := make([]domain.EnhancedOpportunity, 0, len(opps))
	for _, o := range opps {
		out = append(out, domain.EnhancedOpportunity{Opportunity: o, FeasibilityScore: 90, Risk: domain.RiskAssessment{Bucket: domain.RiskLow}})
	}
	return out, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, url string, payload webhook.NotificationPayload, dispatchKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.err
}

type fakeCatalog struct{}

func (fakeCatalog) Product(productID string) domain.Product { return domain.Product{ID: productID} }
func (fakeCatalog) ProductDisplay(productID string) (string, string, string) {
	return "Product " + productID, "SKU-" + productID, "Brand"
}

func sampleDef(id, webhookURL string) domain.AlertDefinition {
	return domain.AlertDefinition{
		ID:               id,
		WebhookURL:       webhookURL,
		FrequencyMinutes: 15,
		Filter:           domain.AlertFilter{MaxOpportunities: 10, MaxRiskLevel: domain.RiskHigh},
		Active:           true,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAlertScheduler_DispatchesMatchedOpportunities(t *testing.T) {
	def := sampleDef("a1", "https://example.com/hook")
	store := newFakeAlertStore(def)
	history := newFakeHistory()
	deadLetters := &fakeDeadLetters{}
	detector := &fakeDetector{opps: []domain.Opportunity{{ProductID: "p1", ProfitMargin: 0.3, GrossProfit: 20}}}
	dispatcher := &fakeDispatcher{}

	s := NewAlertScheduler(store, history, deadLetters, detector, fakeEnricher{}, dispatcher, fakeCatalog{}, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(cancel)

	waitFor(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return dispatcher.calls == 1
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.dispatches, 1)
	require.Equal(t, 1, store.dispatches[0])
}

func TestAlertScheduler_EmptyMatchSkipsDispatch(t *testing.T) {
	def := sampleDef("a1", "https://example.com/hook")
	store := newFakeAlertStore(def)
	history := newFakeHistory()
	deadLetters := &fakeDeadLetters{}
	detector := &fakeDetector{opps: nil}
	dispatcher := &fakeDispatcher{}

	s := NewAlertScheduler(store, history, deadLetters, detector, fakeEnricher{}, dispatcher, fakeCatalog{}, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(cancel)

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.scansRecorded >= 1
	})

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Zero(t, dispatcher.calls)
}

func TestAlertScheduler_DispatchFailureRecordsDeadLetterAndFailure(t *testing.T) {
	def := sampleDef("a1", "https://example.com/hook")
	store := newFakeAlertStore(def)
	history := newFakeHistory()
	deadLetters := &fakeDeadLetters{}
	detector := &fakeDetector{opps: []domain.Opportunity{{ProductID: "p1", ProfitMargin: 0.3, GrossProfit: 20}}}
	dispatcher := &fakeDispatcher{err: errors.New("permanent failure")}

	s := NewAlertScheduler(store, history, deadLetters, detector, fakeEnricher{}, dispatcher, fakeCatalog{}, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	t.Cleanup(cancel)

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.failures == 1
	})

	deadLetters.mu.Lock()
	defer deadLetters.mu.Unlock()
	require.Equal(t, 1, deadLetters.records)
}

func TestAlertScheduler_BackPressureDropsOverflow(t *testing.T) {
	var defs []domain.AlertDefinition
	for i := 0; i < 5; i++ {
		defs = append(defs, sampleDef(string(rune('a'+i)), "https://example.com/hook"))
	}
	store := newFakeAlertStore(defs...)
	history := newFakeHistory()
	deadLetters := &fakeDeadLetters{}
	detector := &fakeDetector{}
	dispatcher := &fakeDispatcher{}

	s := NewAlertScheduler(store, history, deadLetters, detector, fakeEnricher{}, dispatcher, fakeCatalog{}, Options{}, zerolog.Nop())
	s.workers = 0
	s.queueCap = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.processedJobs = make(chan string, s.queueCap)
	s.tick(ctx)

	require.Greater(t, s.DroppedTotal(), int64(0))
}

func TestApplyAlertFilter_AppliesAllCriteria(t *testing.T) {
	maxBuy := 100.0
	filter := domain.AlertFilter{
		MinProfitMargin: 0.2,
		MinGrossProfit:  10,
		MaxBuyPrice:     &maxBuy,
		SourceAllowlist: []string{"stockx"},
	}
	opps := []domain.EnhancedOpportunity{
		{Opportunity: domain.Opportunity{ProfitMargin: 0.3, GrossProfit: 20, Buy: domain.PriceRecord{Price: domain.Money{Amount: 50}, Source: domain.Source{Name: "stockx"}}}},
		{Opportunity: domain.Opportunity{ProfitMargin: 0.1, GrossProfit: 20, Buy: domain.PriceRecord{Price: domain.Money{Amount: 50}, Source: domain.Source{Name: "stockx"}}}},
		{Opportunity: domain.Opportunity{ProfitMargin: 0.3, GrossProfit: 20, Buy: domain.PriceRecord{Price: domain.Money{Amount: 200}, Source: domain.Source{Name: "stockx"}}}},
		{Opportunity: domain.Opportunity{ProfitMargin: 0.3, GrossProfit: 20, Buy: domain.PriceRecord{Price: domain.Money{Amount: 50}, Source: domain.Source{Name: "awin"}}}},
	}

	out := applyAlertFilter(opps, filter)
	require.Len(t, out, 1)
}

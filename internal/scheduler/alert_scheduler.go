package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/metrics"
	"github.com/aristath/solearb/internal/opportunities"
	"github.com/aristath/solearb/internal/webhook"
)

// DefaultTickInterval is the Alert Scheduler's outer loop period when no
// configured interval is supplied.
const DefaultTickInterval = 60 * time.Second

// DefaultWorkerCount is the bounded worker pool's concurrency when no
// configured value is supplied.
const DefaultWorkerCount = 8

// DefaultQueueCapacity bounds the per-tick work queue when no configured
// value is supplied; enqueues beyond this are dropped and the alert
// deferred to the next tick.
const DefaultQueueCapacity = 1024

// LookbackDays is the historical window the Enricher's demand/risk
// scorers query over.
const LookbackDays = 90

// AlertStore is the subset of alerts.Store the scheduler drives state
// transitions and counters through.
type AlertStore interface {
	Get(id string) (domain.AlertDefinition, error)
	DueForScan(asOf time.Time) ([]domain.AlertDefinition, error)
	TransitionState(id string, newState domain.AlertState) error
	RecordScan(id string, scannedAt time.Time, scanErr error) error
	RecordDispatch(id string, opportunityCount int, dispatchedAt time.Time) error
	RecordFailedDispatch(id string) error
}

// DispatchHistory is the dedupe ledger the scheduler consults before
// re-sending a notification for the same alert/product-set/time-bucket.
type DispatchHistory interface {
	Seen(alertID, dispatchKey string) (bool, error)
	Record(alertID, dispatchKey string, dispatchedAt time.Time) error
}

// DeadLetters records permanently-failed dispatch attempts for operator
// inspection.
type DeadLetters interface {
	Record(alertID, dispatchKey string, statusCode int, dispatchErr error, payload []byte, failedAt time.Time) error
}

// Detector is the narrow opportunities.Detector surface the scheduler uses.
type Detector interface {
	Detect(ctx context.Context, filters opportunities.Filters) ([]domain.Opportunity, error)
}

// Enricher is the narrow enrichment.Enricher surface the scheduler uses.
type Enricher interface {
	Top(ctx context.Context, opps []domain.Opportunity, product func(string) domain.Product, lookbackDays, limit int, minFeasibility float64, maxRisk domain.RiskBucket) ([]domain.EnhancedOpportunity, error)
}

// WebhookDispatcher is the narrow webhook.Dispatcher surface the scheduler
// uses.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, url string, payload webhook.NotificationPayload, dispatchKey string) error
}

// ProductCatalog resolves the display fields a notification payload needs
// and the Product value the Enricher's scoring needs, both by product id.
type ProductCatalog interface {
	Product(productID string) domain.Product
	ProductDisplay(productID string) (name, sku, brand string)
}

// AlertScheduler is the single long-lived coordinator that ticks
// periodically, selects due alerts, scans them for opportunities, and
// dispatches webhook notifications.
type AlertScheduler struct {
	store      AlertStore
	history    DispatchHistory
	deadLetter DeadLetters
	detector   Detector
	enricher   Enricher
	dispatcher WebhookDispatcher
	catalog    ProductCatalog

	workers      int
	queueCap     int
	tickInterval time.Duration
	now          func() time.Time

	log zerolog.Logger

	mu            sync.Mutex
	droppedTotal  int64
	processedJobs chan string
	stop          chan struct{}
	stopped       chan struct{}
}

// Options bounds the scheduler's worker pool, queue depth, and tick
// period. Zero fields fall back to the package defaults.
type Options struct {
	WorkerCount  int
	QueueCap     int
	TickInterval time.Duration
}

// NewAlertScheduler constructs an AlertScheduler. Zero-valued fields in
// opts fall back to DefaultWorkerCount, DefaultQueueCapacity, and
// DefaultTickInterval.
func NewAlertScheduler(store AlertStore, history DispatchHistory, deadLetter DeadLetters, detector Detector, enricher Enricher, dispatcher WebhookDispatcher, catalog ProductCatalog, opts Options, log zerolog.Logger) *AlertScheduler {
	workers := opts.WorkerCount
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	queueCap := opts.QueueCap
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}

	return &AlertScheduler{
		store:        store,
		history:      history,
		deadLetter:   deadLetter,
		detector:     detector,
		enricher:     enricher,
		dispatcher:   dispatcher,
		catalog:      catalog,
		workers:      workers,
		queueCap:     queueCap,
		tickInterval: tickInterval,
		now:          time.Now,
		log:          log.With().Str("component", "alert_scheduler").Logger(),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// DroppedTotal reports how many due alerts have been dropped under
// back-pressure since startup.
func (s *AlertScheduler) DroppedTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedTotal
}

// Run starts the tick loop and blocks until ctx is cancelled or Stop is
// called.
func (s *AlertScheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.processedJobs = make(chan string, s.queueCap)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx)
		}()
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			close(s.processedJobs)
			wg.Wait()
			close(s.stopped)
			return
		case <-s.stop:
			close(s.processedJobs)
			wg.Wait()
			close(s.stopped)
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals Run to drain its worker pool and return.
func (s *AlertScheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

// tick selects due alerts and enqueues them, dropping under back-pressure
// rather than blocking.
func (s *AlertScheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	due, err := s.store.DueForScan(s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list due alerts")
		return
	}
	metrics.SchedulerAlertsDueTotal.Add(float64(len(due)))

	for _, def := range due {
		select {
		case s.processedJobs <- def.ID:
		default:
			s.mu.Lock()
			s.droppedTotal++
			s.mu.Unlock()
			metrics.SchedulerDroppedTotal.Inc()
			s.log.Warn().Str("alert_id", def.ID).Msg("alert scan dropped under back-pressure, deferred to next tick")
		}
	}
}

func (s *AlertScheduler) workerLoop(ctx context.Context) {
	for id := range s.processedJobs {
		if err := s.processAlert(ctx, id); err != nil {
			s.log.Error().Err(err).Str("alert_id", id).Msg("alert processing failed")
		}
	}
}

// TriggerAlert runs processAlert for a single alert outside the tick
// loop, for the ops server's manual-trigger endpoint.
func (s *AlertScheduler) TriggerAlert(ctx context.Context, alertID string) error {
	return s.processAlert(ctx, alertID)
}

// processAlert scans, filters, and dispatches for a single due alert.
func (s *AlertScheduler) processAlert(ctx context.Context, alertID string) error {
	def, err := s.fetchForProcessing(alertID)
	if err != nil {
		return fmt.Errorf("load alert %s: %w", alertID, err)
	}

	now := s.now()
	if err := s.store.TransitionState(alertID, domain.AlertStateScanning); err != nil {
		return fmt.Errorf("transition alert %s to scanning: %w", alertID, err)
	}

	matched, scanErr := s.scan(ctx, def)
	if scanErr != nil {
		s.finishFailed(alertID, scanErr)
		return scanErr
	}

	if len(matched) == 0 {
		_ = s.store.RecordScan(alertID, now, nil)
		_ = s.store.TransitionState(alertID, domain.AlertStateIdle)
		return nil
	}

	productIDs := make([]string, len(matched))
	for i, m := range matched {
		productIDs[i] = m.ProductID
	}
	dispatchKey := webhook.DispatchKey(alertID, productIDs, now, def.FrequencyMinutes)

	seen, err := s.history.Seen(alertID, dispatchKey)
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("dedupe lookup failed")
	}
	if seen {
		_ = s.store.RecordScan(alertID, now, nil)
		_ = s.store.TransitionState(alertID, domain.AlertStateIdle)
		return nil
	}

	if err := s.store.TransitionState(alertID, domain.AlertStateDispatching); err != nil {
		return fmt.Errorf("transition alert %s to dispatching: %w", alertID, err)
	}

	payload := webhook.BuildPayload(def, matched, s.catalog.ProductDisplay, now)
	if dispatchErr := s.dispatcher.Dispatch(ctx, def.WebhookURL, payload, dispatchKey); dispatchErr != nil {
		s.recordDeadLetter(alertID, dispatchKey, payload, dispatchErr)
		_ = s.store.RecordFailedDispatch(alertID)
		_ = s.store.RecordScan(alertID, now, dispatchErr)
		return dispatchErr
	}

	_ = s.history.Record(alertID, dispatchKey, now)
	_ = s.store.RecordDispatch(alertID, len(matched), now)
	_ = s.store.RecordScan(alertID, now, nil)
	_ = s.store.TransitionState(alertID, domain.AlertStateIdle)
	return nil
}

// fetchForProcessing re-reads the alert from the store at the instant it's
// about to be scanned so the scheduler acts on a fresh definition even if a
// prior tick's queue entry is stale.
func (s *AlertScheduler) fetchForProcessing(alertID string) (domain.AlertDefinition, error) {
	return s.store.Get(alertID)
}

// scan detects opportunities, enriches them, and applies the alert's
// additional filters.
func (s *AlertScheduler) scan(ctx context.Context, def domain.AlertDefinition) ([]domain.EnhancedOpportunity, error) {
	raw, err := s.detector.Detect(ctx, opportunities.Filters{})
	if err != nil {
		return nil, err
	}

	top, err := s.enricher.Top(ctx, raw, s.catalog.Product, LookbackDays, def.Filter.MaxOpportunities, def.Filter.MinFeasibilityScore, def.Filter.MaxRiskLevel)
	if err != nil {
		return nil, err
	}

	return applyAlertFilter(top, def.Filter), nil
}

func applyAlertFilter(opps []domain.EnhancedOpportunity, filter domain.AlertFilter) []domain.EnhancedOpportunity {
	allowlist := map[string]bool{}
	for _, s := range filter.SourceAllowlist {
		allowlist[s] = true
	}

	out := make([]domain.EnhancedOpportunity, 0, len(opps))
	for _, o := range opps {
		if o.ProfitMargin < filter.MinProfitMargin {
			continue
		}
		if o.GrossProfit < filter.MinGrossProfit {
			continue
		}
		if filter.MaxBuyPrice != nil && o.Buy.Price.Amount > *filter.MaxBuyPrice {
			continue
		}
		if len(allowlist) > 0 && !allowlist[o.Buy.Source.Name] {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (s *AlertScheduler) finishFailed(alertID string, scanErr error) {
	s.log.Error().Err(scanErr).Str("alert_id", alertID).Msg("alert scan failed")
	_ = s.store.RecordScan(alertID, s.now(), scanErr)
	_ = s.store.TransitionState(alertID, domain.AlertStateFailed)
}

func (s *AlertScheduler) recordDeadLetter(alertID, dispatchKey string, payload webhook.NotificationPayload, dispatchErr error) {
	statusCode := 0
	if permErr, ok := dispatchErr.(*webhook.PermanentError); ok {
		statusCode = permErr.StatusCode
	}
	body, _ := json.Marshal(payload)
	if err := s.deadLetter.Record(alertID, dispatchKey, statusCode, dispatchErr, body, s.now()); err != nil {
		s.log.Error().Err(err).Str("alert_id", alertID).Msg("failed to record dead letter")
	}
}

// Package alerts is the Alert Store: the sql.DB-backed repository owning
// AlertDefinition rows, the settings key-value table, webhook dead letters,
// and the dispatch-history dedupe window.
package alerts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
	"github.com/aristath/solearb/internal/domain"
)

// Store owns the alert_definitions table. Only the Alert Scheduler may
// mutate an AlertDefinition's counters and State; everything else
// (Name, Filter, WebhookURL, schedule fields) is owner-editable through
// Update, guarded by the Version optimistic-concurrency counter.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New constructs an Alert Store. The schema (alert_definitions, settings,
// webhook_dead_letters, dispatch_history) must already be migrated.
func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "alerts").Logger()}
}

// Create inserts a new alert definition. def.ID must already be set by the
// caller (UUID generation happens at the API boundary, not here).
func (s *Store) Create(def domain.AlertDefinition) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_definitions (
			id, user_id, name,
			min_profit_margin, min_gross_profit, min_feasibility_score,
			max_risk_level, source_allowlist, max_buy_price, max_opportunities,
			webhook_url, notification_config, frequency_minutes,
			active_hours_start, active_hours_end, active_days, timezone,
			active, state, version,
			total_alerts_sent, total_opportunities_sent, total_failed_deliveries,
			last_scanned_at, last_triggered_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		def.ID, def.UserID, def.Name,
		def.Filter.MinProfitMargin, def.Filter.MinGrossProfit, def.Filter.MinFeasibilityScore,
		string(def.Filter.MaxRiskLevel), encodeAllowlist(def.Filter.SourceAllowlist), nullableFloat(def.Filter.MaxBuyPrice), def.Filter.MaxOpportunities,
		def.WebhookURL, encodeNotificationConfig(def.NotificationConfig), def.FrequencyMinutes,
		def.ActiveHours.StartMinute, def.ActiveHours.EndMinute, encodeActiveDays(def.ActiveDays), def.Timezone,
		boolToInt(def.Active), string(def.State), def.Version,
		def.TotalAlertsSent, def.TotalOpportunitiesSent, def.TotalFailedDeliveries,
		nullableUnixPtr(def.LastScannedAt), nullableUnixPtr(def.LastTriggeredAt), def.LastError,
	)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "create alert definition", err)
	}
	return nil
}

// Get fetches a single alert definition by id.
func (s *Store) Get(id string) (domain.AlertDefinition, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, name,
			min_profit_margin, min_gross_profit, min_feasibility_score,
			max_risk_level, source_allowlist, max_buy_price, max_opportunities,
			webhook_url, notification_config, frequency_minutes,
			active_hours_start, active_hours_end, active_days, timezone,
			active, state, version,
			total_alerts_sent, total_opportunities_sent, total_failed_deliveries,
			last_scanned_at, last_triggered_at, last_error
		FROM alert_definitions WHERE id = ?`, id)
	def, err := scanAlertDefinition(row)
	if err == sql.ErrNoRows {
		return domain.AlertDefinition{}, apperr.New(apperr.Storage, fmt.Sprintf("alert definition %s not found", id))
	}
	if err != nil {
		return domain.AlertDefinition{}, apperr.Wrap(apperr.Storage, "get alert definition", err)
	}
	return def, nil
}

// DueForScan returns every active alert definition currently within its
// active_hours/active_days window (evaluated in the alert's own timezone)
// whose FrequencyMinutes interval has elapsed since LastScannedAt. An
// alert whose timezone can't be resolved is auto-deactivated rather than
// silently excluded on every tick.
func (s *Store) DueForScan(asOf time.Time) ([]domain.AlertDefinition, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, name,
			min_profit_margin, min_gross_profit, min_feasibility_score,
			max_risk_level, source_allowlist, max_buy_price, max_opportunities,
			webhook_url, notification_config, frequency_minutes,
			active_hours_start, active_hours_end, active_days, timezone,
			active, state, version,
			total_alerts_sent, total_opportunities_sent, total_failed_deliveries,
			last_scanned_at, last_triggered_at, last_error
		FROM alert_definitions WHERE active = 1`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "query due alert definitions", err)
	}
	defer rows.Close()

	var due []domain.AlertDefinition
	for rows.Next() {
		def, err := scanAlertDefinition(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to scan alert definition row, skipping")
			continue
		}

		withinWindow, err := inActiveWindow(def, asOf)
		if err != nil {
			s.log.Warn().Err(err).Str("alert_id", def.ID).Msg("alert has an invalid schedule, auto-deactivating")
			if deactivateErr := s.deactivateInvalid(def.ID, err.Error()); deactivateErr != nil {
				s.log.Error().Err(deactivateErr).Str("alert_id", def.ID).Msg("failed to auto-deactivate invalid alert")
			}
			continue
		}
		if !withinWindow {
			continue
		}

		if def.LastScannedAt == nil {
			due = append(due, def)
			continue
		}
		elapsed := asOf.Sub(*def.LastScannedAt)
		if elapsed >= time.Duration(def.FrequencyMinutes)*time.Minute {
			due = append(due, def)
		}
	}
	return due, rows.Err()
}

// inActiveWindow reports whether asOf falls within def's active_hours and
// active_days, evaluated in def's own timezone. An unrecognized timezone
// is reported as a ConfigurationInvalid error rather than a silent false.
func inActiveWindow(def domain.AlertDefinition, asOf time.Time) (bool, error) {
	loc, err := time.LoadLocation(def.Timezone)
	if err != nil {
		return false, apperr.Wrap(apperr.ConfigurationInvalid, fmt.Sprintf("alert %s: unknown timezone %q", def.ID, def.Timezone), err)
	}
	local := asOf.In(loc)
	if !def.ActiveDays[local.Weekday()] {
		return false, nil
	}
	minuteOfDay := local.Hour()*60 + local.Minute()
	return minuteOfDay >= def.ActiveHours.StartMinute && minuteOfDay < def.ActiveHours.EndMinute, nil
}

// deactivateInvalid flips Active off and records reason, bypassing the
// optimistic-concurrency version check the way RecordFailedDispatch does:
// this is a scheduler-owned transition, not a user edit.
func (s *Store) deactivateInvalid(id, reason string) error {
	_, err := s.db.Exec(`UPDATE alert_definitions SET active = 0, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "deactivate invalid alert", err)
	}
	return nil
}

// Update persists changes to a definition's editable fields, enforcing
// optimistic concurrency: the write only applies if the stored version
// still matches def.Version, after which the stored version increments.
func (s *Store) Update(def domain.AlertDefinition) error {
	result, err := s.db.Exec(`
		UPDATE alert_definitions SET
			name = ?, min_profit_margin = ?, min_gross_profit = ?, min_feasibility_score = ?,
			max_risk_level = ?, source_allowlist = ?, max_buy_price = ?, max_opportunities = ?,
			webhook_url = ?, notification_config = ?, frequency_minutes = ?,
			active_hours_start = ?, active_hours_end = ?, active_days = ?, timezone = ?,
			active = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		def.Name, def.Filter.MinProfitMargin, def.Filter.MinGrossProfit, def.Filter.MinFeasibilityScore,
		string(def.Filter.MaxRiskLevel), encodeAllowlist(def.Filter.SourceAllowlist), nullableFloat(def.Filter.MaxBuyPrice), def.Filter.MaxOpportunities,
		def.WebhookURL, encodeNotificationConfig(def.NotificationConfig), def.FrequencyMinutes,
		def.ActiveHours.StartMinute, def.ActiveHours.EndMinute, encodeActiveDays(def.ActiveDays), def.Timezone,
		boolToInt(def.Active),
		def.ID, def.Version,
	)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "update alert definition", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Storage, "update alert definition rows affected", err)
	}
	if n == 0 {
		return apperr.New(apperr.DataIntegrity, fmt.Sprintf("alert definition %s version conflict (expected version %d)", def.ID, def.Version))
	}
	return nil
}

// TransitionState moves an alert to newState. Only the Alert Scheduler
// calls this; it does not touch Version because state transitions are not
// user edits.
func (s *Store) TransitionState(id string, newState domain.AlertState) error {
	_, err := s.db.Exec(`UPDATE alert_definitions SET state = ? WHERE id = ?`, string(newState), id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "transition alert state", err)
	}
	return nil
}

// RecordScan updates LastScannedAt and, on success, clears LastError.
func (s *Store) RecordScan(id string, scannedAt time.Time, scanErr error) error {
	errText := ""
	if scanErr != nil {
		errText = scanErr.Error()
	}
	_, err := s.db.Exec(`UPDATE alert_definitions SET last_scanned_at = ?, last_error = ? WHERE id = ?`,
		scannedAt.Unix(), errText, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record alert scan", err)
	}
	return nil
}

// RecordDispatch increments the counters after a successful webhook
// delivery and updates LastTriggeredAt.
func (s *Store) RecordDispatch(id string, opportunityCount int, dispatchedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE alert_definitions SET
			total_alerts_sent = total_alerts_sent + 1,
			total_opportunities_sent = total_opportunities_sent + ?,
			total_failed_deliveries = 0,
			last_triggered_at = ?
		WHERE id = ?`, opportunityCount, dispatchedAt.Unix(), id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record alert dispatch", err)
	}
	return nil
}

// RecordFailedDispatch increments the failure counter and, once it reaches
// the auto-deactivation threshold, flips Active to false: 10 consecutive
// failures auto-deactivates an alert.
const autoDeactivateAfterFailures = 10

func (s *Store) RecordFailedDispatch(id string) error {
	_, err := s.db.Exec(`
		UPDATE alert_definitions SET
			total_failed_deliveries = total_failed_deliveries + 1,
			active = CASE WHEN total_failed_deliveries + 1 >= ? THEN 0 ELSE active END
		WHERE id = ?`, autoDeactivateAfterFailures, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record failed alert dispatch", err)
	}
	return nil
}

// Delete removes an alert definition permanently.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM alert_definitions WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "delete alert definition", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlertDefinition(row scanner) (domain.AlertDefinition, error) {
	var def domain.AlertDefinition
	var maxRiskLevel, sourceAllowlist, notificationConfig, activeDays, timezone, state string
	var maxBuyPrice sql.NullFloat64
	var activeInt int
	var lastScannedAt, lastTriggeredAt sql.NullInt64

	err := row.Scan(
		&def.ID, &def.UserID, &def.Name,
		&def.Filter.MinProfitMargin, &def.Filter.MinGrossProfit, &def.Filter.MinFeasibilityScore,
		&maxRiskLevel, &sourceAllowlist, &maxBuyPrice, &def.Filter.MaxOpportunities,
		&def.WebhookURL, &notificationConfig, &def.FrequencyMinutes,
		&def.ActiveHours.StartMinute, &def.ActiveHours.EndMinute, &activeDays, &timezone,
		&activeInt, &state, &def.Version,
		&def.TotalAlertsSent, &def.TotalOpportunitiesSent, &def.TotalFailedDeliveries,
		&lastScannedAt, &lastTriggeredAt, &def.LastError,
	)
	if err != nil {
		return domain.AlertDefinition{}, err
	}

	def.Filter.MaxRiskLevel = domain.RiskBucket(maxRiskLevel)
	def.Filter.SourceAllowlist = decodeAllowlist(sourceAllowlist)
	if maxBuyPrice.Valid {
		v := maxBuyPrice.Float64
		def.Filter.MaxBuyPrice = &v
	}
	def.NotificationConfig = decodeNotificationConfig(notificationConfig)
	def.ActiveDays = decodeActiveDays(activeDays)
	def.Timezone = timezone
	def.Active = activeInt != 0
	def.State = domain.AlertState(state)
	if lastScannedAt.Valid {
		t := time.Unix(lastScannedAt.Int64, 0).UTC()
		def.LastScannedAt = &t
	}
	if lastTriggeredAt.Valid {
		t := time.Unix(lastTriggeredAt.Int64, 0).UTC()
		def.LastTriggeredAt = &t
	}
	return def, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func encodeAllowlist(sources []string) string {
	return strings.Join(sources, ",")
}

func decodeAllowlist(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func encodeActiveDays(days map[time.Weekday]bool) string {
	var parts []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if days[d] {
			parts = append(parts, strconv.Itoa(int(d)))
		}
	}
	if len(parts) == 0 {
		return "0,1,2,3,4,5,6"
	}
	return strings.Join(parts, ",")
}

func decodeActiveDays(raw string) map[time.Weekday]bool {
	days := make(map[time.Weekday]bool, 7)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			continue
		}
		days[time.Weekday(n)] = true
	}
	return days
}

func encodeNotificationConfig(cfg map[string]string) string {
	if len(cfg) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeNotificationConfig(raw string) map[string]string {
	cfg := map[string]string{}
	if raw == "" {
		return cfg
	}
	_ = json.Unmarshal([]byte(raw), &cfg)
	return cfg
}

package alerts_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/solearb/internal/alerts"
	"github.com/aristath/solearb/internal/domain"
	dbtesting "github.com/aristath/solearb/internal/testing"
)

func newStore(t *testing.T) *alerts.Store {
	t.Helper()
	db, cleanup := dbtesting.NewTestDB(t, "alerts")
	t.Cleanup(cleanup)
	return alerts.New(db.Conn(), zerolog.Nop())
}

func sampleDefinition(id string) domain.AlertDefinition {
	return domain.AlertDefinition{
		ID:     id,
		UserID: "user-1",
		Name:   "under 100 eur sneakers",
		Filter: domain.AlertFilter{
			MinProfitMargin:  0.15,
			MinGrossProfit:   10,
			MaxRiskLevel:     domain.RiskMedium,
			SourceAllowlist:  []string{"awin", "stockx"},
			MaxOpportunities: 20,
		},
		WebhookURL:         "https://example.com/hook",
		NotificationConfig: map[string]string{"channel": "slack"},
		FrequencyMinutes:   30,
		ActiveHours:        domain.ActiveHours{StartMinute: 0, EndMinute: 1440},
		ActiveDays:         map[time.Weekday]bool{time.Monday: true, time.Tuesday: true},
		Timezone:           "UTC",
		Active:             true,
		State:              domain.AlertStateIdle,
	}
}

func TestCreateAndGet_RoundTripsAllFields(t *testing.T) {
	store := newStore(t)
	def := sampleDefinition("alert-1")

	require.NoError(t, store.Create(def))

	got, err := store.Get("alert-1")
	require.NoError(t, err)
	require.Equal(t, def.UserID, got.UserID)
	require.Equal(t, def.Name, got.Name)
	require.InDelta(t, def.Filter.MinProfitMargin, got.Filter.MinProfitMargin, 1e-9)
	require.Equal(t, domain.RiskMedium, got.Filter.MaxRiskLevel)
	require.ElementsMatch(t, []string{"awin", "stockx"}, got.Filter.SourceAllowlist)
	require.Equal(t, "slack", got.NotificationConfig["channel"])
	require.True(t, got.ActiveDays[time.Monday])
	require.False(t, got.ActiveDays[time.Wednesday])
	require.Equal(t, int64(0), got.Version)
}

func TestUpdate_VersionConflictIsRejected(t *testing.T) {
	store := newStore(t)
	def := sampleDefinition("alert-2")
	require.NoError(t, store.Create(def))

	got, err := store.Get("alert-2")
	require.NoError(t, err)

	got.Name = "renamed"
	require.NoError(t, store.Update(got))

	// Stale version (still 0) must be rejected now that the row is at version 1.
	stale := got
	stale.Name = "stale write"
	err = store.Update(stale)
	require.Error(t, err)

	fresh, err := store.Get("alert-2")
	require.NoError(t, err)
	require.Equal(t, "renamed", fresh.Name)
	require.Equal(t, int64(1), fresh.Version)
}

// mondayNoonUTC is a fixed, known-Monday instant so tests exercising
// ActiveDays (which sampleDefinition restricts to Monday/Tuesday) don't
// flake depending on the day the suite happens to run.
func mondayNoonUTC() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func TestDueForScan_NilLastScannedIsAlwaysDue(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Create(sampleDefinition("alert-3")))

	due, err := store.DueForScan(mondayNoonUTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestDueForScan_RespectsFrequencyWindow(t *testing.T) {
	store := newStore(t)
	def := sampleDefinition("alert-4")
	require.NoError(t, store.Create(def))

	now := mondayNoonUTC()
	require.NoError(t, store.RecordScan("alert-4", now, nil))

	due, err := store.DueForScan(now.Add(10 * time.Minute))
	require.NoError(t, err)
	require.Empty(t, due, "only 10 of 30 minutes elapsed, alert should not be due")

	due, err = store.DueForScan(now.Add(31 * time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestDueForScan_InactiveAlertsAreExcluded(t *testing.T) {
	store := newStore(t)
	def := sampleDefinition("alert-5")
	def.Active = false
	require.NoError(t, store.Create(def))

	due, err := store.DueForScan(mondayNoonUTC())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDueForScan_ExcludesAlertOutsideActiveDays(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Create(sampleDefinition("alert-9")))

	// 2024-01-03 is a Wednesday; sampleDefinition only activates Mon/Tue.
	due, err := store.DueForScan(time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDueForScan_ExcludesAlertOutsideActiveHours(t *testing.T) {
	store := newStore(t)
	def := sampleDefinition("alert-10")
	def.ActiveHours = domain.ActiveHours{StartMinute: 9 * 60, EndMinute: 17 * 60}
	require.NoError(t, store.Create(def))

	before := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	due, err := store.DueForScan(before)
	require.NoError(t, err)
	require.Empty(t, due, "08:00 is before the 09:00-17:00 window")

	within := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	due, err = store.DueForScan(within)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestDueForScan_ConvertsToAlertTimezone(t *testing.T) {
	store := newStore(t)
	def := sampleDefinition("alert-11")
	def.ActiveHours = domain.ActiveHours{StartMinute: 9 * 60, EndMinute: 17 * 60}
	def.Timezone = "America/New_York"
	require.NoError(t, store.Create(def))

	// 14:00 UTC is 09:00 in America/New_York (EST, UTC-5) on this date.
	due, err := store.DueForScan(time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, due, 1)

	// 13:00 UTC is 08:00 in America/New_York, still outside the window.
	due, err = store.DueForScan(time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDueForScan_AutoDeactivatesOnUnknownTimezone(t *testing.T) {
	store := newStore(t)
	def := sampleDefinition("alert-12")
	def.Timezone = "Not/A_Real_Zone"
	require.NoError(t, store.Create(def))

	due, err := store.DueForScan(mondayNoonUTC())
	require.NoError(t, err)
	require.Empty(t, due)

	got, err := store.Get("alert-12")
	require.NoError(t, err)
	require.False(t, got.Active, "invalid timezone must auto-deactivate the alert")
	require.Contains(t, got.LastError, "Not/A_Real_Zone")
}

func TestRecordFailedDispatch_AutoDeactivatesAfterThreshold(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Create(sampleDefinition("alert-6")))

	for i := 0; i < 9; i++ {
		require.NoError(t, store.RecordFailedDispatch("alert-6"))
	}
	got, err := store.Get("alert-6")
	require.NoError(t, err)
	require.True(t, got.Active, "should still be active below the threshold")

	require.NoError(t, store.RecordFailedDispatch("alert-6"))
	got, err = store.Get("alert-6")
	require.NoError(t, err)
	require.False(t, got.Active, "10th consecutive failure must auto-deactivate")
	require.Equal(t, int64(10), got.TotalFailedDeliveries)
}

func TestRecordDispatch_ResetsFailureCounterAndUpdatesTriggeredAt(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Create(sampleDefinition("alert-7")))
	require.NoError(t, store.RecordFailedDispatch("alert-7"))
	require.NoError(t, store.RecordFailedDispatch("alert-7"))

	now := time.Now()
	require.NoError(t, store.RecordDispatch("alert-7", 3, now))

	got, err := store.Get("alert-7")
	require.NoError(t, err)
	require.Equal(t, int64(0), got.TotalFailedDeliveries)
	require.Equal(t, int64(1), got.TotalAlertsSent)
	require.Equal(t, int64(3), got.TotalOpportunitiesSent)
	require.NotNil(t, got.LastTriggeredAt)
}

func TestDelete_RemovesDefinition(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Create(sampleDefinition("alert-8")))
	require.NoError(t, store.Delete("alert-8"))

	_, err := store.Get("alert-8")
	require.Error(t, err)
}

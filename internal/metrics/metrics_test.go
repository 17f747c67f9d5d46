package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_GatherSucceedsAfterRecordingMetrics(t *testing.T) {
	IngestionRowsTotal.WithLabelValues("stockx", "matched").Inc()
	SchedulerAlertsDueTotal.Add(3)
	WebhookDispatchTotal.WithLabelValues("success").Inc()
	WebhookDispatchDuration.Observe(0.42)

	families, err := Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestInit_RegistersProcessAndGoCollectorsWithoutPanicking(t *testing.T) {
	require.NotPanics(t, Init)

	families, err := Registry.Gather()
	require.NoError(t, err)

	var sawGoCollector bool
	for _, f := range families {
		if f.GetName() == "go_goroutines" {
			sawGoCollector = true
		}
	}
	require.True(t, sawGoCollector, "Init must register the standard Go collector")
}

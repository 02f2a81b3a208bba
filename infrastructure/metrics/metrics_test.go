package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stakeledger/stake-sync/entities"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_SyncCounters(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.IncSyncRun(entities.Ethereum, "completed")
	m.IncSyncRun(entities.Ethereum, "completed")
	m.IncSyncRun(entities.PulseChain, "failed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncRunsCounter.WithLabelValues("ethereum", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRunsCounter.WithLabelValues("pulsechain", "failed")))

	m.AddCommittedPage(entities.PulseChain, entities.CommitResult{
		StakeStarts: entities.UpsertResult{Count: 5},
		StakeEnds:   entities.UpsertResult{Count: 2},
	}, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncPagesCounter.WithLabelValues("pulsechain")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.syncedRecordsCounter.WithLabelValues("pulsechain", "stake_start")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncedRecordsCounter.WithLabelValues("pulsechain", "stake_end")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skippedRecordsCounter.WithLabelValues("pulsechain")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	at := time.Unix(1700000000, 0)
	m.SetLastSyncCompleted(entities.Ethereum, at)
	m.SetCurrentVirtualDay(entities.Ethereum, 1500)
	m.IncRecoveredRun(entities.Ethereum)
	m.IncDegradedResponse(entities.PulseChain)

	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastSyncCompletedGauge.WithLabelValues("ethereum")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.currentVirtualDayGauge.WithLabelValues("ethereum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveredRunsCounter.WithLabelValues("ethereum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.degradedResponseCounter.WithLabelValues("pulsechain")))
}

func TestMetrics_RegistersWithoutConflicts(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics("first", registry)
	NewMetrics("second", registry)

	families, err := registry.Gather()
	assert.NoError(t, err)
	assert.Empty(t, families) // vectors without observations are not exported
}

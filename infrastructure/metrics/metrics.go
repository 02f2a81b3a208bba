package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stakeledger/stake-sync/entities"
)

type Metrics struct {
	syncRunsCounter         *prometheus.CounterVec
	syncPagesCounter        *prometheus.CounterVec
	syncedRecordsCounter    *prometheus.CounterVec
	skippedRecordsCounter   *prometheus.CounterVec
	recoveredRunsCounter    *prometheus.CounterVec
	publishFailuresCounter  *prometheus.CounterVec
	lastSyncCompletedGauge  *prometheus.GaugeVec
	currentVirtualDayGauge  *prometheus.GaugeVec
	degradedResponseCounter *prometheus.CounterVec
}

func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := Metrics{
		// sync runs
		syncRunsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_runs_total", namespace),
			Help: "Number of sync runs by network and final state",
		}, []string{"network", "state"}),
		syncPagesCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_pages_total", namespace),
			Help: "Number of committed source pages",
		}, []string{"network"}),
		syncedRecordsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_synced_records_total", namespace),
			Help: "Number of upserted records by kind",
		}, []string{"network", "kind"}),
		skippedRecordsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_skipped_records_total", namespace),
			Help: "Number of invalid source records that were skipped",
		}, []string{"network"}),
		recoveredRunsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_recovered_stale_runs_total", namespace),
			Help: "Number of stale sync runs that were taken over",
		}, []string{"network"}),
		publishFailuresCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_change_feed_failures_total", namespace),
			Help: "Number of change feed publish failures",
		}, []string{"network"}),
		lastSyncCompletedGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_sync_completed_timestamp_seconds", namespace),
			Help: "Unix time of the last completed sync run",
		}, []string{"network"}),
		// query side
		currentVirtualDayGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_current_virtual_day", namespace),
			Help: "The latest known virtual day",
		}, []string{"network"}),
		degradedResponseCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_degraded_responses_total", namespace),
			Help: "Number of query responses served from the snapshot cache",
		}, []string{"network"}),
	}
	return &m
}

func (metrics *Metrics) IncSyncRun(network entities.Network, state string) {
	metrics.syncRunsCounter.WithLabelValues(network.String(), state).Inc()
}

func (metrics *Metrics) AddCommittedPage(network entities.Network, result entities.CommitResult, skipped int) {
	n := network.String()
	metrics.syncPagesCounter.WithLabelValues(n).Inc()
	metrics.syncedRecordsCounter.WithLabelValues(n, "stake_start").Add(float64(result.StakeStarts.Count))
	metrics.syncedRecordsCounter.WithLabelValues(n, "stake_end").Add(float64(result.StakeEnds.Count))
	metrics.syncedRecordsCounter.WithLabelValues(n, "global_info").Add(float64(result.GlobalInfos.Count))
	metrics.skippedRecordsCounter.WithLabelValues(n).Add(float64(skipped))
}

func (metrics *Metrics) IncRecoveredRun(network entities.Network) {
	metrics.recoveredRunsCounter.WithLabelValues(network.String()).Inc()
}

func (metrics *Metrics) IncPublishFailure(network entities.Network) {
	metrics.publishFailuresCounter.WithLabelValues(network.String()).Inc()
}

func (metrics *Metrics) SetLastSyncCompleted(network entities.Network, at time.Time) {
	metrics.lastSyncCompletedGauge.WithLabelValues(network.String()).Set(float64(at.Unix()))
}

func (metrics *Metrics) SetCurrentVirtualDay(network entities.Network, day uint32) {
	metrics.currentVirtualDayGauge.WithLabelValues(network.String()).Set(float64(day))
}

func (metrics *Metrics) IncDegradedResponse(network entities.Network) {
	metrics.degradedResponseCounter.WithLabelValues(network.String()).Inc()
}

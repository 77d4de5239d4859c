package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "staking"

// StakingMetrics are the metrics exported by the staking daemon.
type StakingMetrics struct {
	Registry *prometheus.Registry

	EOICreatedCounter          prometheus.Counter
	EOIFailedCounter           *prometheus.CounterVec
	VerificationDuration       prometheus.Histogram
	VerificationTimeoutCounter prometheus.Counter
	SubmittedTxCounter         *prometheus.CounterVec
	PendingDelegationsGauge    prometheus.Gauge
	DelegationStateChanges     *prometheus.CounterVec
	PrunedDelegationsCounter   prometheus.Counter
	CurrentBtcBlockHeight      prometheus.Gauge
}

func NewStakingMetrics() *StakingMetrics {
	registry := prometheus.NewRegistry()

	m := &StakingMetrics{
		Registry: registry,
		EOICreatedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eoi_created_total",
			Help:      "Number of delegations registered on babylon",
		}),
		EOIFailedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eoi_failed_total",
			Help:      "Number of failed delegation registrations by error type",
		}, []string{"type"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Time between registering a delegation and reaching covenant quorum",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		VerificationTimeoutCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_timeout_total",
			Help:      "Number of delegations not verified in time",
		}),
		SubmittedTxCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submitted_btc_tx_total",
			Help:      "Number of btc transactions broadcast by kind",
		}, []string{"kind"}),
		PendingDelegationsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_delegations",
			Help:      "Number of local delegations in an intermediate state",
		}),
		DelegationStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegation_state_changes_total",
			Help:      "Number of local delegation state changes by target state",
		}, []string{"state"}),
		PrunedDelegationsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_delegations_total",
			Help:      "Number of expired intermediate delegations removed",
		}),
		CurrentBtcBlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_btc_block_height",
			Help:      "Best btc block height seen by the daemon",
		}),
	}

	registry.MustRegister(
		m.EOICreatedCounter,
		m.EOIFailedCounter,
		m.VerificationDuration,
		m.VerificationTimeoutCounter,
		m.SubmittedTxCounter,
		m.PendingDelegationsGauge,
		m.DelegationStateChanges,
		m.PrunedDelegationsCounter,
		m.CurrentBtcBlockHeight,
	)

	return m
}

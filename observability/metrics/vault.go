package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetrics groups the prometheus collectors for the staking vault ledger.
type VaultMetrics struct {
	samplesAppended      prometheus.Counter
	claimsSettled        prometheus.Counter
	claimedTotal         prometheus.Counter
	operations           *prometheus.CounterVec
	operationRejects     *prometheus.CounterVec
	totalStaking         prometheus.Gauge
	totalPendingClaim    prometheus.Gauge
	totalBorrowed        prometheus.Gauge
	liquidationShortfall prometheus.Counter
	feesCollected        prometheus.Counter
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

// Vault returns the process-wide vault collector set, registering it on first
// use.
func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			samplesAppended: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_samples_appended_total",
				Help: "Count of reward samples appended to the log.",
			}),
			claimsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_claims_settled_total",
				Help: "Count of catch-up windows settled into stake.",
			}),
			claimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_claimed_amount_total",
				Help: "Cumulative reward amount settled into staked balances.",
			}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_operations_total",
				Help: "Count of committed ledger operations by kind.",
			}, []string{"op"}),
			operationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_operation_rejects_total",
				Help: "Count of rejected ledger operations by kind.",
			}, []string{"op"}),
			totalStaking: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_total_staking",
				Help: "Sum of all settled staked balances.",
			}),
			totalPendingClaim: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_total_pending_claim",
				Help: "Reward injected but not yet settled into any stake.",
			}),
			totalBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_total_borrowed",
				Help: "Sum of all borrowed amounts.",
			}),
			liquidationShortfall: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_liquidation_shortfall_total",
				Help: "Cumulative loss written down beyond nominal debt.",
			}),
			feesCollected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_withdraw_fees_total",
				Help: "Cumulative early-withdrawal fees routed to the recipient.",
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.samplesAppended,
			vaultRegistry.claimsSettled,
			vaultRegistry.claimedTotal,
			vaultRegistry.operations,
			vaultRegistry.operationRejects,
			vaultRegistry.totalStaking,
			vaultRegistry.totalPendingClaim,
			vaultRegistry.totalBorrowed,
			vaultRegistry.liquidationShortfall,
			vaultRegistry.feesCollected,
		)
	})
	return vaultRegistry
}

func gaugeValue(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func counterValue(v *big.Int) float64 {
	f := gaugeValue(v)
	if f < 0 {
		return 0
	}
	return f
}

// ObserveSampleAppended records a new reward sample.
func (m *VaultMetrics) ObserveSampleAppended() {
	if m == nil {
		return
	}
	m.samplesAppended.Inc()
}

// ObserveClaim records a settled catch-up window and the amount moved.
func (m *VaultMetrics) ObserveClaim(amount *big.Int) {
	if m == nil {
		return
	}
	m.claimsSettled.Inc()
	m.claimedTotal.Add(counterValue(amount))
}

// ObserveOperation counts a committed operation of the given kind.
func (m *VaultMetrics) ObserveOperation(op string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Inc()
}

// ObserveReject counts a rejected operation of the given kind.
func (m *VaultMetrics) ObserveReject(op string) {
	if m == nil {
		return
	}
	m.operationRejects.WithLabelValues(op).Inc()
}

// SetAggregates refreshes the pool gauges after a committed mutation.
func (m *VaultMetrics) SetAggregates(staking, pending, borrowed *big.Int) {
	if m == nil {
		return
	}
	m.totalStaking.Set(gaugeValue(staking))
	m.totalPendingClaim.Set(gaugeValue(pending))
	m.totalBorrowed.Set(gaugeValue(borrowed))
}

// ObserveLiquidationShortfall accumulates loss taken beyond nominal debt.
func (m *VaultMetrics) ObserveLiquidationShortfall(amount *big.Int) {
	if m == nil {
		return
	}
	m.liquidationShortfall.Add(counterValue(amount))
}

// ObserveFee accumulates an early-withdrawal fee.
func (m *VaultMetrics) ObserveFee(amount *big.Int) {
	if m == nil {
		return
	}
	m.feesCollected.Add(counterValue(amount))
}

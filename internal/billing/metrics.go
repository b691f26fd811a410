package billing

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks billing activity counters. A nil Metrics disables recording.
type Metrics struct {
	billsCreated     prometheus.Counter
	settlements      prometheus.Counter
	claimTransitions *prometheus.CounterVec
}

// NewMetrics registers the billing collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		billsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_billing_bills_created_total",
			Help: "Bills created.",
		}),
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_billing_settlements_total",
			Help: "Payments and claim settlements applied to bills.",
		}),
		claimTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_billing_claim_transitions_total",
			Help: "Claim status transitions by source and target status.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.billsCreated, m.settlements, m.claimTransitions)
	return m
}

func (m *Metrics) BillCreated() {
	if m == nil {
		return
	}
	m.billsCreated.Inc()
}

func (m *Metrics) SettlementApplied() {
	if m == nil {
		return
	}
	m.settlements.Inc()
}

func (m *Metrics) ClaimTransition(from, to ClaimStatus) {
	if m == nil {
		return
	}
	m.claimTransitions.WithLabelValues(string(from), string(to)).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Settlement aggregates the engine-level counters exported by the gateway.
type Settlement struct {
	PlansComputed          *prometheus.CounterVec
	PlansBlocked           prometheus.Counter
	AuthorizationsIssued   prometheus.Counter
	AuthorizationsRejected *prometheus.CounterVec
	PointsCredited         prometheus.Counter
	PointsDebited          prometheus.Counter
	DebitsQueued           prometheus.Counter
	FundingCompleted       prometheus.Counter
	BookingsPaid           prometheus.Counter
}

// NewSettlement registers the settlement metric family on the supplied
// registry.
func NewSettlement(reg prometheus.Registerer, namespace string) *Settlement {
	if namespace == "" {
		namespace = "bookpay"
	}
	m := &Settlement{
		PlansComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_plans_total",
			Help:      "Settlement plans computed, labelled by points usage.",
		}, []string{"points_used"}),
		PlansBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_plans_blocked_total",
			Help:      "Plans rejected because the customer could not afford the booking.",
		}),
		AuthorizationsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_issued_total",
			Help:      "Signed settlement authorizations issued.",
		}),
		AuthorizationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_rejected_total",
			Help:      "Authorization attempts rejected, labelled by reason.",
		}, []string{"reason"}),
		PointsCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_credited_total",
			Help:      "Points credited to customer accounts.",
		}),
		PointsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_debited_total",
			Help:      "Points debited from customer accounts.",
		}),
		DebitsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_debits_queued_total",
			Help:      "Points debits deferred to the reconciliation queue after a storage failure.",
		}),
		FundingCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_completions_total",
			Help:      "Funding completion webhooks processed.",
		}),
		BookingsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_paid_total",
			Help:      "Bookings transitioned to paid after on-chain confirmation.",
		}),
	}
	reg.MustRegister(
		m.PlansComputed,
		m.PlansBlocked,
		m.AuthorizationsIssued,
		m.AuthorizationsRejected,
		m.PointsCredited,
		m.PointsDebited,
		m.DebitsQueued,
		m.FundingCompleted,
		m.BookingsPaid,
	)
	return m
}

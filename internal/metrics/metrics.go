package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors. A single instance
// is shared by the engine and the sweep; the ops mux exposes them on
// /metrics.
type Metrics struct {
	TicketsIssued    *prometheus.CounterVec
	TicketsCalled    *prometheus.CounterVec
	TicketsAttended  *prometheus.CounterVec
	TicketsCancelled *prometheus.CounterVec
	TicketsTraded    *prometheus.CounterVec
	SweepRuns        prometheus.Counter
	SweepErrors      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TicketsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tickets_issued_total",
			Help: "Tickets issued, by queue.",
		}, []string{"queue"}),
		TicketsCalled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tickets_called_total",
			Help: "Tickets dispatched to a counter, by queue.",
		}, []string{"queue"}),
		TicketsAttended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tickets_attended_total",
			Help: "Tickets completed at a counter, by queue.",
		}, []string{"queue"}),
		TicketsCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tickets_cancelled_total",
			Help: "Tickets cancelled, by queue and reason.",
		}, []string{"queue", "reason"}),
		TicketsTraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tickets_traded_total",
			Help: "Completed position trades, by queue.",
		}, []string{"queue"}),
		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_sweep_runs_total",
			Help: "Notification sweep executions.",
		}),
		SweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_sweep_errors_total",
			Help: "Per-ticket errors logged and skipped by the sweep.",
		}),
	}
}

// NewTest returns metrics bound to a throwaway registry.
func NewTest() *Metrics {
	return New(prometheus.NewRegistry())
}

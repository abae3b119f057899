package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		subscriptionOpsTotal,
		subscriptionsDue,
		billingRunsTotal,
	)
}

var (
	subscriptionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_operations_total",
			Help: "Subscription lifecycle operations by kind (create/execute/cancel/increase_allowance/update_cap) and status.",
		},
		[]string{"operation", "status"},
	)

	subscriptionsDue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_due",
			Help: "Number of subscriptions picked up by the last billing sweep.",
		},
	)

	billingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_runs_total",
			Help: "Billing sweeps by outcome (completed/failed).",
		},
		[]string{"status"},
	)
)

func IncSubscriptionOp(operation, status string) {
	subscriptionOpsTotal.WithLabelValues(norm(operation), norm(status)).Inc()
}

func SetSubscriptionsDue(n int) {
	subscriptionsDue.Set(float64(n))
}

func IncBillingRun(status string) {
	billingRunsTotal.WithLabelValues(norm(status)).Inc()
}

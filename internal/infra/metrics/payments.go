package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		paymentsTotal,
		paymentsVolumeTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "One-time payments by kind (native/token) and status (succeeded/failed).",
		},
		[]string{"kind", "status"},
	)

	paymentsVolumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_volume_total",
			Help: "Total settled payment volume in smallest units, labeled by asset.",
		},
		[]string{"asset"},
	)
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncPayment(kind, status string) {
	paymentsTotal.WithLabelValues(norm(kind), norm(status)).Inc()
}

func AddPaymentVolume(asset string, amount uint64) {
	paymentsVolumeTotal.WithLabelValues(norm(asset)).Add(float64(amount))
}

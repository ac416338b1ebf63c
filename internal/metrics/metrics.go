package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pairly"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		},
		[]string{"route", "status"},
	)

	bookingsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_created_total",
			Help:      "Bookings created by service type.",
		},
		[]string{"service_type"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking transition attempts by event and outcome code.",
		},
		[]string{"event", "result"},
	)

	slotRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_hold_rejections_total",
			Help:      "Rejected slot holds by reason.",
		},
		[]string{"reason"},
	)

	holdsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_holds_expired_total",
			Help:      "Slot holds reverted to OPEN by the expiry sweep.",
		},
	)

	ledgerInstructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_instructions_total",
			Help:      "Ledger instruction attempts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	manualIntervention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_manual_intervention_total",
			Help:      "Ledger instructions that exhausted retries and need an operator.",
		},
		[]string{"kind"},
	)

	timersArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escrow_release_timers_armed",
			Help:      "Release timers currently armed in this process.",
		},
	)

	ledgerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_call_duration_seconds",
			Help:      "Ledger call latency by instruction kind.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			bookingsCreated,
			transitions,
			slotRejections,
			holdsExpired,
			ledgerInstructions,
			manualIntervention,
			timersArmed,
			ledgerLatency,
		)
	})
}

func IncHTTP(route, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}

func IncBookingCreated(serviceType string) {
	bookingsCreated.WithLabelValues(serviceType).Inc()
}

// IncTransition records a transition attempt; result is "ok" or a rejection code.
func IncTransition(event, result string) {
	transitions.WithLabelValues(event, result).Inc()
}

func IncSlotRejection(reason string) {
	slotRejections.WithLabelValues(reason).Inc()
}

func AddHoldsExpired(n int) {
	holdsExpired.Add(float64(n))
}

func IncLedgerInstruction(kind, result string) {
	ledgerInstructions.WithLabelValues(kind, result).Inc()
}

// IncManualIntervention is the operational alert for stuck settlements.
func IncManualIntervention(kind string) {
	manualIntervention.WithLabelValues(kind).Inc()
}

func SetTimersArmed(n int) {
	timersArmed.Set(float64(n))
}

func ObserveLedgerCall(kind string, d time.Duration) {
	ledgerLatency.WithLabelValues(kind).Observe(d.Seconds())
}

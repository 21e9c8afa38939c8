// Package metrics holds the prometheus collectors shared by the controller,
// the scan engine and the link.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dish",
		Name:      "scan_points_total",
		Help:      "Scan grid points visited, by outcome (recorded or gap).",
	}, []string{"outcome"})

	settleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dish",
		Name:      "move_settle_seconds",
		Help:      "Time from move command to settled position.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	})

	linkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dish",
		Name:      "link_errors_total",
		Help:      "Transport and protocol errors seen by the controller, by kind.",
	}, []string{"kind"})

	controllerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dish",
		Name:      "controller_state",
		Help:      "Current controller state (1 for the active state, 0 otherwise).",
	}, []string{"state"})
)

// States lists every controller state label so that inactive ones are reset.
var States = []string{"uninitialized", "homing", "idle", "moving", "faulted"}

// RecordScanPoint counts one visited grid point.
func RecordScanPoint(outcome string) {
	scanPoints.WithLabelValues(outcome).Inc()
}

// ObserveSettle records how long a move took to settle.
func ObserveSettle(seconds float64) {
	settleSeconds.Observe(seconds)
}

// RecordLinkError counts a failed round trip.
func RecordLinkError(kind string) {
	linkErrors.WithLabelValues(kind).Inc()
}

// SetControllerState marks state as the active controller state.
func SetControllerState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		controllerState.WithLabelValues(s).Set(v)
	}
}

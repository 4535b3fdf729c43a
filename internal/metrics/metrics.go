// Package metrics provides Prometheus metrics for the dispatch fabric and
// the virtual transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels are bounded: dispatcher names are chosen by the program, never per
// frame ID or per listener.

var (
	// DispatchRounds counts Dispatch calls that reached the listener walk.
	DispatchRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candispatch_dispatch_rounds_total",
		Help: "Total number of dispatch rounds, by dispatcher.",
	}, []string{"dispatcher"})

	// Notifications counts individual listener invocations.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candispatch_notifications_total",
		Help: "Total number of listener invocations, by dispatcher.",
	}, []string{"dispatcher"})

	// Listeners tracks currently registered listeners (filtered and unfiltered).
	Listeners = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "candispatch_listeners",
		Help: "Current number of registered listeners, by dispatcher.",
	}, []string{"dispatcher"})

	// FramesSent counts outgoing frames by result (ok/rejected).
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candispatch_frames_sent_total",
		Help: "Total number of frames handed to the transport, by result.",
	}, []string{"result"})

	// StateChanges counts bus state transitions delivered to listeners.
	StateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "candispatch_state_changes_total",
		Help: "Total number of bus state transitions, by driver state.",
	}, []string{"state"})

	// VirtualDroppedFrames counts frames the virtual bus could not queue.
	VirtualDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "candispatch_virtual_dropped_frames_total",
		Help: "Total number of frames dropped by the virtual bus because a receive queue was full.",
	})
)

// RecordSend records the outcome of a transport send.
func RecordSend(err error) {
	if err != nil {
		FramesSent.WithLabelValues("rejected").Inc()
		return
	}
	FramesSent.WithLabelValues("ok").Inc()
}

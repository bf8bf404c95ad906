// Package metrics holds the bench's prometheus collectors and the HTTP
// server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every bench collector. The prometheus default registry is
// not used.
var Registry = prometheus.NewRegistry()

var (
	// CANFrames counts transport outcomes. result: sent/failed
	CANFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivibench_can_frames_total",
			Help: "Total number of CAN frames handed to the transport.",
		},
		[]string{"result"},
	)

	// CANTransportConnected is 1 while a peer or interface is attached.
	CANTransportConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ivibench_can_transport_connected",
			Help: "Whether the CAN transport has a connected peer (1) or not (0).",
		},
	)

	// VMStatus is 1 for the current status of each guest and 0 for the rest.
	VMStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ivibench_vm_status",
			Help: "Current lifecycle status of each guest VM.",
		},
		[]string{"vm", "status"},
	)

	IgnitionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivibench_ignition_transitions_total",
			Help: "Total number of ignition state transitions.",
		},
		[]string{"from", "to"},
	)

	RFBCaptures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivibench_rfb_captures_total",
			Help: "Total number of framebuffer capture attempts.",
		},
		[]string{"display", "result"},
	)

	RFBCaptureSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ivibench_rfb_capture_seconds",
			Help:    "Latency of a full framebuffer capture.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"display"},
	)
)

func init() {
	Registry.MustRegister(
		CANFrames,
		CANTransportConnected,
		VMStatus,
		IgnitionTransitions,
		RFBCaptures,
		RFBCaptureSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// SetVMStatus flips the one-hot status gauge for vm.
func SetVMStatus(vm, status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		VMStatus.WithLabelValues(vm, s).Set(v)
	}
}

// Result maps an error to the "ok"/"error" label used by the counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

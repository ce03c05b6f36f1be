// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the stream workers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames pulled from a room's source, by outcome.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsense_frames_total",
		Help: "Total frames captured per room by result",
	}, []string{"room", "result"})

	// DetectionsTotal counts inference cycles, by outcome.
	DetectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsense_detections_total",
		Help: "Total detection cycles per room by result",
	}, []string{"room", "result"})

	// DetectionDuration tracks model round-trip latency.
	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomsense_detection_duration_seconds",
		Help:    "Time taken for a single detection round-trip",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// PersonCount reports the last detected person count per room.
	PersonCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomsense_person_count",
		Help: "Last detected person count per room",
	}, []string{"room"})

	// RoomOccupied reports the derived occupancy state per room (0/1).
	RoomOccupied = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomsense_room_occupied",
		Help: "Derived occupancy per room (1 = occupied)",
	}, []string{"room"})

	// CaptureErrorsTotal counts frame-source failures by kind.
	CaptureErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsense_capture_errors_total",
		Help: "Total capture errors per room by kind",
	}, []string{"room", "kind"})

	// WorkerTransitions counts worker state machine transitions.
	WorkerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsense_worker_state_transitions_total",
		Help: "Total worker state transitions",
	}, []string{"from", "to"})

	// WorkersActive tracks the number of live stream workers.
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsense_workers_active",
		Help: "Number of currently running stream workers",
	})
)

// ObserveDetection records one detection cycle outcome and its latency.
func ObserveDetection(room string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	DetectionsTotal.WithLabelValues(room, result).Inc()
	if err == nil {
		DetectionDuration.Observe(duration.Seconds())
	}
}

// SetOccupancy updates the per-room occupancy gauges.
func SetOccupancy(room string, occupied bool, persons int) {
	v := 0.0
	if occupied {
		v = 1.0
	}
	RoomOccupied.WithLabelValues(room).Set(v)
	PersonCount.WithLabelValues(room).Set(float64(persons))
}

// RecordTransition counts one worker state transition.
func RecordTransition(from, to string) {
	WorkerTransitions.WithLabelValues(from, to).Inc()
}

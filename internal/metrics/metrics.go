// Package metrics holds the prometheus collectors shared by the pipeline
// components. Collectors work unregistered; Register exposes them.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shipgo"

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

var (
	TransferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquire",
		Name:      "bytes_total",
		Help:      "Bytes written to disk by package transfers",
	}, []string{"scheme"})

	TransferResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquire",
		Name:      "transfers_total",
		Help:      "Package transfer outcomes",
	}, []string{"scheme", "outcome"})

	ExtractedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "entries_total",
		Help:      "Archive entries written during extraction",
	})

	ProvisionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "provision_total",
		Help:      "Runtime module provisioning outcomes",
	}, []string{"module", "outcome"})

	LaunchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "launch",
		Name:      "results_total",
		Help:      "Launch pipeline outcomes by failing step",
	}, []string{"step", "outcome"})

	LaunchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "launch",
		Name:      "duration_seconds",
		Help:      "Time from submission to runtime start",
		Buckets:   durationBuckets,
	})

	RuntimeExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "exits_total",
		Help:      "Runtime process exits by cleanliness",
	}, []string{"clean"})

	TelemetryRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "telemetry",
		Name:      "records_total",
		Help:      "Runtime log records by kind and outcome",
	}, []string{"kind", "outcome"})

	TelemetryState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "telemetry",
		Name:      "connected",
		Help:      "1 when the realtime channel is connected",
	})
)

var registerOnce sync.Once

// Register adds every collector to reg. Collectors already registered by an
// earlier call (or another registry user) are tolerated.
func Register(reg prometheus.Registerer) error {
	var err error
	registerOnce.Do(func() {
		collectors := []prometheus.Collector{
			TransferBytes, TransferResults, ExtractedEntries, ProvisionResults,
			LaunchResults, LaunchDuration, RuntimeExits, TelemetryRecords, TelemetryState,
		}
		for _, c := range collectors {
			if regErr := reg.Register(c); regErr != nil {
				var already prometheus.AlreadyRegisteredError
				if errors.As(regErr, &already) {
					continue
				}
				err = regErr
				return
			}
		}
	})
	return err
}

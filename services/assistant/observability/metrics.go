// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes the assistant's Prometheus metrics.
//
// Metrics are registered with the default registry via promauto and
// served on /metrics by the HTTP surface. The package holds no state
// beyond the collectors themselves.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/ClinicalAssist/pkg/resilience"
	"github.com/AleutianAI/ClinicalAssist/services/assistant/datatypes"
)

var (
	questionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinicalassist",
		Subsystem: "pipeline",
		Name:      "questions_total",
		Help:      "Questions processed, labeled by terminal reason.",
	}, []string{"terminal_reason"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinicalassist",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of each pipeline stage.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clinicalassist",
		Subsystem: "resilience",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open).",
	}, []string{"dependency"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinicalassist",
		Subsystem: "cache",
		Name:      "answer_lookups_total",
		Help:      "Answer cache lookups, labeled hit or miss.",
	}, []string{"outcome"})

	documentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clinicalassist",
		Subsystem: "ingest",
		Name:      "chunks_total",
		Help:      "Protocol chunks written to the vector store.",
	})
)

// RecordQuestion counts one completed pipeline run.
func RecordQuestion(reason datatypes.TerminalReason) {
	questionsTotal.WithLabelValues(string(reason)).Inc()
}

// ObserveStage records the duration of one pipeline stage execution.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordBreakerState publishes a breaker transition. Wired into the
// breaker registry's OnStateChange callback at startup.
func RecordBreakerState(dependency string, state resilience.BreakerState) {
	breakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordCacheLookup counts an answer cache hit or miss.
func RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordChunksIngested counts protocol chunks inserted during ingestion.
func RecordChunksIngested(n int) {
	documentsIngested.Add(float64(n))
}

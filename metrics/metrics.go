// Package metrics exposes the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Currently connected sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total sessions created",
	})

	FramesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_frames_accepted_total",
		Help: "Audio frames accepted into session queues",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_frames_dropped_total",
		Help: "Audio frames dropped by the oldest-first backpressure policy",
	})

	TurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_turns_total",
		Help: "Turns opened by the assembler",
	})

	TranslationDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_translation_dispatches_total",
		Help: "Translation requests dispatched (drafts and finals)",
	})

	TranslationsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_translations_stale_total",
		Help: "Translation responses discarded by the staleness guard",
	})

	TranslationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_translation_duration_seconds",
		Help:    "Translation backend latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_protocol_errors_total",
		Help: "Recoverable protocol errors by code",
	}, []string{"code"})
)

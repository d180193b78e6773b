package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_turns_total",
			Help: "Conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	TurnLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "hearth_turn_latency_seconds",
			Help: "Time from sending a message to receiving the assistant reply",
		},
	)

	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_transcriptions_total",
			Help: "Voice clips sent for transcription by outcome",
		},
		[]string{"outcome"},
	)

	Playbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_playbacks_total",
			Help: "Read-aloud requests by outcome",
		},
		[]string{"outcome"},
	)

	RecordingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_recording_active",
			Help: "1 while the microphone is held for a voice clip",
		},
	)

	WakeDetections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_wake_detections_total",
			Help: "Wake phrase detections",
		},
	)

	RecognizerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_recognizer_restarts_total",
			Help: "Times the wake recognizer session was restarted",
		},
	)

	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_backend_requests_total",
			Help: "Requests to the assistant backend",
		},
		[]string{"endpoint", "status"},
	)
)

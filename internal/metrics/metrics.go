package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_calls_total",
		Help: "Calls processed by direction",
	}, []string{"direction"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicegate_stage_duration_seconds",
		Help:    "Per-stage pipeline latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	TimeToFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicegate_time_to_first_audio_seconds",
		Help:    "Latency from speech-end to first synthesized frame queued",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_audio_frames_total",
		Help: "Inbound audio frames received",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_speech_segments_total",
		Help: "Utterances flushed to the pipeline",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_barge_ins_total",
		Help: "Confirmed barge-in interruptions",
	})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_pipeline_runs_total",
		Help: "Pipeline runs by outcome",
	}, []string{"status"})

	TranscriptsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_transcripts_filtered_total",
		Help: "Transcripts dropped by confidence or noise filter",
	})

	CallCost = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicegate_call_cost_usd",
		Help:    "Final per-call cost",
		Buckets: []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0},
	})

	BudgetStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_budget_stops_total",
		Help: "Calls ended by budget or burn-rate enforcement",
	})

	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_breaker_rejections_total",
		Help: "Calls rejected fast by an open circuit breaker",
	}, []string{"capability"})
)

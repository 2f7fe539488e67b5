// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subtitle_stt"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Capture metrics
	CaptureCallbacks     prometheus.Counter
	CaptureChunksQueued  prometheus.Counter
	CaptureChunksDropped *prometheus.CounterVec
	CaptureRunning       prometheus.Gauge
	CaptureStartFailures *prometheus.CounterVec
	CaptureRMS           prometheus.Gauge

	// Phrase metrics
	PhrasesStarted   prometheus.Counter
	PhrasesFinalized *prometheus.CounterVec
	PhraseDuration   prometheus.Histogram
	LiveUpdates      prometheus.Counter

	// Worker metrics
	WorkerModelState   prometheus.Gauge
	WorkerJobs         *prometheus.CounterVec
	WorkerJobsDropped  *prometheus.CounterVec
	WorkerJobLatency   *prometheus.HistogramVec
	WorkerSegments     *prometheus.CounterVec
	WorkerCommands     *prometheus.CounterVec
	WorkerFileOutcomes *prometheus.CounterVec

	// Offline segmenter metrics
	SegmenterSpansDetected  prometheus.Counter
	SegmenterSpansExtracted prometheus.Counter
	SegmenterSpanFailures   *prometheus.CounterVec
	SegmenterToolLatency    *prometheus.HistogramVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// RPC metrics
	RPCTotal    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Capture metrics
		CaptureCallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_callbacks_total",
			Help:      "Total number of hardware capture callbacks",
		}),
		CaptureChunksQueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_queued_total",
			Help:      "Total number of audio chunks placed on the capture queue",
		}),
		CaptureChunksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_dropped_total",
			Help:      "Total number of audio chunks not queued",
		}, []string{"reason"}),
		CaptureRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_running",
			Help:      "1 while the capture stream is open and running",
		}),
		CaptureStartFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_start_failures_total",
			Help:      "Total number of failed capture starts",
		}, []string{"reason"}),
		CaptureRMS: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_rms",
			Help:      "RMS of the most recent captured chunk",
		}),

		// Phrase metrics
		PhrasesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phrases_started_total",
			Help:      "Total number of phrases opened by the VAD",
		}),
		PhrasesFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phrases_finalized_total",
			Help:      "Total number of phrases sent for final transcription",
		}, []string{"reason"}),
		PhraseDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phrase_duration_seconds",
			Help:      "Duration of finalized phrases in seconds",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 20, 30, 60},
		}),
		LiveUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_updates_total",
			Help:      "Total number of live (in-progress) transcription requests",
		}),

		// Worker metrics
		WorkerModelState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_model_state",
			Help:      "Model state of the transcription worker (0=unloaded,1=loading,2=ready,3=error)",
		}),
		WorkerJobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Total number of transcription jobs processed",
		}, []string{"kind", "outcome"}),
		WorkerJobsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_dropped_total",
			Help:      "Total number of transcription jobs dropped",
		}, []string{"reason"}),
		WorkerJobLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_job_latency_seconds",
			Help:      "Recognition latency per job in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 120},
		}, []string{"kind"}),
		WorkerSegments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_segments_total",
			Help:      "Total number of recognized segments emitted",
		}, []string{"source"}),
		WorkerCommands: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_commands_total",
			Help:      "Total number of control commands handled",
		}, []string{"command"}),
		WorkerFileOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_file_outcomes_total",
			Help:      "Outcomes of file transcription jobs",
		}, []string{"mode", "outcome"}),

		// Offline segmenter metrics
		SegmenterSpansDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segmenter_spans_detected_total",
			Help:      "Total number of voice spans detected in files",
		}),
		SegmenterSpansExtracted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segmenter_spans_extracted_total",
			Help:      "Total number of voice spans extracted to clips",
		}),
		SegmenterSpanFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segmenter_span_failures_total",
			Help:      "Total number of spans skipped during extraction",
		}, []string{"reason"}),
		SegmenterToolLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segmenter_tool_latency_seconds",
			Help:      "External audio tool run time in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"operation"}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// RPC metrics
		RPCTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_total",
			Help:      "Total number of gRPC calls served",
		}, []string{"method", "code"}),
		RPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Duration of gRPC calls in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60},
		}, []string{"method"}),
	}
}

// RecordCallback records one hardware callback and whether its chunk was queued.
func (m *Metrics) RecordCallback(queued bool, dropReason string) {
	m.CaptureCallbacks.Inc()
	if queued {
		m.CaptureChunksQueued.Inc()
		return
	}
	if dropReason != "" {
		m.CaptureChunksDropped.WithLabelValues(dropReason).Inc()
	}
}

// RecordCaptureRunning flips the capture running gauge.
func (m *Metrics) RecordCaptureRunning(running bool) {
	if running {
		m.CaptureRunning.Set(1)
	} else {
		m.CaptureRunning.Set(0)
	}
}

// RecordCaptureStartFailure records a failed Start with its reason.
func (m *Metrics) RecordCaptureStartFailure(reason string) {
	m.CaptureStartFailures.WithLabelValues(reason).Inc()
}

// RecordRMS records the latest chunk RMS.
func (m *Metrics) RecordRMS(rms float64) {
	m.CaptureRMS.Set(rms)
}

// RecordPhraseStarted records the VAD opening a phrase.
func (m *Metrics) RecordPhraseStarted() {
	m.PhrasesStarted.Inc()
}

// RecordPhraseFinalized records a phrase handed off for final transcription.
func (m *Metrics) RecordPhraseFinalized(reason string, durationSeconds float64) {
	m.PhrasesFinalized.WithLabelValues(reason).Inc()
	m.PhraseDuration.Observe(durationSeconds)
}

// RecordLiveUpdate records a live transcription request.
func (m *Metrics) RecordLiveUpdate() {
	m.LiveUpdates.Inc()
}

// RecordModelState records the worker model state as its ordinal.
func (m *Metrics) RecordModelState(state int) {
	m.WorkerModelState.Set(float64(state))
}

// RecordJob records a processed worker job.
func (m *Metrics) RecordJob(kind, outcome string, latencySeconds float64) {
	m.WorkerJobs.WithLabelValues(kind, outcome).Inc()
	m.WorkerJobLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// RecordJobDropped records a job the worker refused to process.
func (m *Metrics) RecordJobDropped(reason string) {
	m.WorkerJobsDropped.WithLabelValues(reason).Inc()
}

// RecordSegments records emitted recognition segments.
func (m *Metrics) RecordSegments(source string, n int) {
	m.WorkerSegments.WithLabelValues(source).Add(float64(n))
}

// RecordCommand records a handled control command.
func (m *Metrics) RecordCommand(command string) {
	m.WorkerCommands.WithLabelValues(command).Inc()
}

// RecordFileOutcome records how a file job ended.
func (m *Metrics) RecordFileOutcome(mode, outcome string) {
	m.WorkerFileOutcomes.WithLabelValues(mode, outcome).Inc()
}

// RecordSpansDetected records voice spans found by silence detection.
func (m *Metrics) RecordSpansDetected(n int) {
	m.SegmenterSpansDetected.Add(float64(n))
}

// RecordSpanExtracted records one successfully materialized clip.
func (m *Metrics) RecordSpanExtracted() {
	m.SegmenterSpansExtracted.Inc()
}

// RecordSpanFailure records a skipped span.
func (m *Metrics) RecordSpanFailure(reason string) {
	m.SegmenterSpanFailures.WithLabelValues(reason).Inc()
}

// RecordToolRun records an external tool invocation.
func (m *Metrics) RecordToolRun(operation string, latencySeconds float64) {
	m.SegmenterToolLatency.WithLabelValues(operation).Observe(latencySeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordRPC records a served gRPC call.
func (m *Metrics) RecordRPC(method, code string, durationSeconds float64) {
	m.RPCTotal.WithLabelValues(method, code).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(durationSeconds)
}

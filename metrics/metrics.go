package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type NebulaMetrics struct {
	UploadRequestCount         prometheus.Counter
	UploadRequestDurationSec   *prometheus.SummaryVec
	UploadBytes                prometheus.Counter
	StreamedBytes              prometheus.Counter
	StreamRequestCount         *prometheus.CounterVec
	TranscodeJobsEnqueued      prometheus.Counter
	TranscodeJobOutcomes       *prometheus.CounterVec
	TranscodeJobDurationSec    prometheus.Histogram
	QueueDeliveriesRedelivered prometheus.Counter
}

var Metrics = NewMetrics()

func NewMetrics() *NebulaMetrics {
	m := &NebulaMetrics{
		// /api/upload request metrics
		UploadRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_request_count",
			Help: "The total number of requests to /api/upload",
		}),
		UploadRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "upload_request_duration_seconds",
			Help: "The latency of the requests made to /api/upload in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),
		UploadBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "The total number of bytes accepted through /api/upload",
		}),

		// Streaming metrics
		StreamedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamed_bytes_total",
			Help: "The total number of object bytes written to streaming responses",
		}),
		StreamRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_request_count",
			Help: "The total number of stream requests broken up by status code",
		}, []string{"status_code"}),

		// Transcoding metrics
		TranscodeJobsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_jobs_enqueued_count",
			Help: "The total number of transcoding jobs placed on the queue",
		}),
		TranscodeJobOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_job_outcomes_count",
			Help: "The total number of finished transcoding jobs broken up by outcome",
		}, []string{"outcome"}),
		TranscodeJobDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcode_job_duration_seconds",
			Help:    "Time taken to run a transcoding job end to end",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}),
		QueueDeliveriesRedelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "queue_deliveries_redelivered_count",
			Help: "The total number of queue deliveries reclaimed from dead consumers",
		}),
	}

	return m
}

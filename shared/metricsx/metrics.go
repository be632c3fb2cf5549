package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_published_total",
			Help: "Automation events enqueued, by trigger type.",
		},
		[]string{"trigger"},
	)
	publishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_publish_failures_total",
			Help: "Failed enqueue attempts.",
		},
	)
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_jobs_processed_total",
			Help: "Automation jobs processed, by trigger type and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	actionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_actions_executed_total",
			Help: "Rule actions executed, by action type and outcome.",
		},
		[]string{"action", "outcome"},
	)
	actionConfigErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_config_errors_total",
			Help: "Rule or action configuration errors, by action type.",
		},
		[]string{"action"},
	)
	actionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_action_duration_seconds",
			Help:    "Rule action execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	messageSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_send_failures_total",
			Help: "Outbound message send failures.",
		},
	)
	firingStreamFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_firing_stream_failures_total",
			Help: "Failures publishing rule-firing records to Kafka.",
		},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "automation_queue_depth",
			Help: "Automation queue depth by state.",
		},
		[]string{"queue", "state"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, eventsPublished, publishFailures,
		jobsProcessed, actionsExecuted, actionConfigErrors, actionLatency,
		messageSendFailures, firingStreamFailures, influxWriteFailures, queueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventPublished(trigger string) {
	eventsPublished.WithLabelValues(trigger).Inc()
}

func IncPublishFailure() {
	publishFailures.Inc()
}

func IncJobProcessed(trigger string, outcome string) {
	jobsProcessed.WithLabelValues(trigger, outcome).Inc()
}

func IncActionExecuted(action string, outcome string) {
	actionsExecuted.WithLabelValues(action, outcome).Inc()
}

func IncActionConfigError(action string) {
	actionConfigErrors.WithLabelValues(action).Inc()
}

func ObserveActionLatency(action string, d time.Duration) {
	actionLatency.WithLabelValues(action).Observe(d.Seconds())
}

func IncMessageSendFailure() {
	messageSendFailures.Inc()
}

func IncFiringStreamFailure() {
	firingStreamFailures.Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetQueueDepth(queue string, state string, depth int) {
	queueDepth.WithLabelValues(queue, state).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics holds the prerender metric vectors
type PrometheusMetrics struct {
	// Queue metrics
	queueDepth      prometheus.Gauge
	queueRejections prometheus.Counter
	inFlight        prometheus.Gauge

	// Render metrics
	rendersTotal   *prometheus.CounterVec
	queueDuration  prometheus.Histogram
	renderDuration prometheus.Histogram
	totalDuration  prometheus.Histogram

	// HTTP metrics
	httpResponses *prometheus.CounterVec

	// Chrome metrics
	chromeMemory   prometheus.Gauge
	engineRestarts *prometheus.CounterVec
	renderErrors   *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetricsWithRegistry registers every metric on registerer.
// The scrape handler gathers from registerer when it is also a Gatherer.
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting in the queue, excluding the one being rendered",
	})

	pm.queueRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_rejections_total",
		Help:      "Requests rejected with 503 because the queue was full",
	})

	pm.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "render_in_flight",
		Help:      "1 while a job is being rendered",
	})

	pm.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "renders_total",
		Help:      "Completed renders by response status code",
	}, []string{"status"})

	// 10ms to ~40s
	buckets := prometheus.ExponentialBuckets(0.01, 2, 13)

	pm.queueDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_duration_seconds",
		Help:      "Time jobs spent waiting in the queue",
		Buckets:   buckets,
	})

	pm.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "render_duration_seconds",
		Help:      "Time from dispatch to completion",
		Buckets:   buckets,
	})

	pm.totalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "total_duration_seconds",
		Help:      "Time from admission to completion",
		Buckets:   buckets,
	})

	pm.httpResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_responses_total",
		Help:      "HTTP responses by disposition and status code",
	}, []string{"disposition", "status"}) // disposition: render, static, rejected, method

	pm.chromeMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chrome_memory_bytes",
		Help:      "Resident memory of the Chrome process tree",
	})

	pm.engineRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_restarts_total",
		Help:      "Chrome recycles by reason",
	}, []string{"reason"}) // reason: count, time, memory

	pm.renderErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "render_errors_total",
		Help:      "Renders that fell back to the 500 page, by cause",
	}, []string{"type"}) // type: timeout, navigation, extract

	registerer.MustRegister(
		pm.queueDepth,
		pm.queueRejections,
		pm.inFlight,
		pm.rendersTotal,
		pm.queueDuration,
		pm.renderDuration,
		pm.totalDuration,
		pm.httpResponses,
		pm.chromeMemory,
		pm.engineRestarts,
		pm.renderErrors,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("Prometheus metrics initialized", zap.String("namespace", namespace))
	return pm
}

// ServeHTTP serves the Prometheus text exposition
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}

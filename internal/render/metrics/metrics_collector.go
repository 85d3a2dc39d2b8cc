package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/dispatch"
)

// HTTP response dispositions
const (
	DispositionRender   = "render"
	DispositionStatic   = "static"
	DispositionRejected = "rejected"
	DispositionMethod   = "method"
)

// MetricsCollector centralizes all metrics recording for the prerender process.
// It satisfies dispatch.Metrics.
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewMetricsCollector registers on the default Prometheus registry
func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	return NewMetricsCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

func NewMetricsCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetricsWithRegistry(namespace, registerer, logger),
		logger:     logger,
	}
}

func (mc *MetricsCollector) SetQueueDepth(depth int) {
	mc.prometheus.queueDepth.Set(float64(depth))
}

func (mc *MetricsCollector) SetInFlight(inFlight bool) {
	if inFlight {
		mc.prometheus.inFlight.Set(1)
		return
	}
	mc.prometheus.inFlight.Set(0)
}

func (mc *MetricsCollector) RecordRejection() {
	mc.prometheus.queueRejections.Inc()
}

// RecordRender records the status and the three durations of a completed job
func (mc *MetricsCollector) RecordRender(statusCode int, timing dispatch.Timing) {
	mc.prometheus.rendersTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	mc.prometheus.queueDuration.Observe(msToSeconds(timing.QueueMs))
	mc.prometheus.renderDuration.Observe(msToSeconds(timing.RenderMs))
	mc.prometheus.totalDuration.Observe(msToSeconds(timing.TotalMs))
}

// RecordHTTPResponse counts a response written by the front door
func (mc *MetricsCollector) RecordHTTPResponse(disposition string, statusCode int) {
	mc.prometheus.httpResponses.WithLabelValues(disposition, strconv.Itoa(statusCode)).Inc()
}

// UpdateChromeMemory sets the sampled RSS of the Chrome process tree
func (mc *MetricsCollector) UpdateChromeMemory(bytes uint64) {
	mc.prometheus.chromeMemory.Set(float64(bytes))
}

func (mc *MetricsCollector) RecordEngineRestart(reason string) {
	mc.prometheus.engineRestarts.WithLabelValues(reason).Inc()
	mc.logger.Debug("Recorded engine restart", zap.String("reason", reason))
}

func (mc *MetricsCollector) RecordRenderError(errorType string) {
	mc.prometheus.renderErrors.WithLabelValues(errorType).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

// Package server classifies inbound requests as rejected, static or render and writes their responses.
package server

import (
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgecomet/prerender/internal/common/config"
	"github.com/edgecomet/prerender/internal/common/httputil"
	"github.com/edgecomet/prerender/internal/common/logger"
	"github.com/edgecomet/prerender/internal/common/requestid"
	"github.com/edgecomet/prerender/internal/common/urlutil"
	"github.com/edgecomet/prerender/internal/dispatch"
	"github.com/edgecomet/prerender/internal/render/metrics"
	"github.com/edgecomet/prerender/pkg/pattern"
)

// JobQueue admits render jobs
type JobQueue interface {
	Enqueue(job *dispatch.Job) error
}

// Metrics counts responses by disposition
type Metrics interface {
	RecordHTTPResponse(disposition string, statusCode int)
}

type Server struct {
	queue       JobQueue
	static      *StaticProxy
	staticMatch *pattern.Pattern
	staticLevel zapcore.Level
	logs        logger.Categories
	metrics     Metrics
}

func NewServer(files *config.FilesConfig, queue JobQueue, logs logger.Categories, metricsCollector Metrics) *Server {
	if metricsCollector == nil {
		metricsCollector = noopMetrics{}
	}

	staticLevel := zapcore.DebugLevel
	if files.Log {
		staticLevel = zapcore.InfoLevel
	}

	staticMatch := files.Matcher()
	if staticMatch == nil {
		staticMatch = pattern.MustCompile(config.DefaultFilesMatch)
	}

	return &Server{
		queue:       queue,
		static:      NewStaticProxy(files),
		staticMatch: staticMatch,
		staticLevel: staticLevel,
		logs:        logs,
		metrics:     metricsCollector,
	}
}

// HTTPServer wraps HandleRequest in a fasthttp server that closes every connection after its response
func (s *Server) HTTPServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:          s.HandleRequest,
		Name:             "prerender",
		DisableKeepalive: true,
		ReadTimeout:      30 * time.Second,
		// applied when the response is written, queue wait does not count
		WriteTimeout:          30 * time.Second,
		NoDefaultServerHeader: true,
	}
}

func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	requestID := requestid.FromRequest(ctx)
	ctx.Response.Header.Set(requestid.HeaderName, requestID)

	client := clientIdentity(ctx)
	requestURI := string(ctx.RequestURI())
	target := urlutil.NormalizeEscapedFragment(requestURI)

	if !ctx.IsGet() {
		s.logs.Server.Info("Method not allowed",
			zap.String("request_id", requestID),
			zap.String("client", client),
			zap.String("method", string(ctx.Method())),
			zap.String("url", target))
		s.respondStatus(ctx, metrics.DispositionMethod, fasthttp.StatusMethodNotAllowed)
		return
	}

	if s.staticMatch.Match(urlutil.StripFragment(target)) {
		s.serveStatic(ctx, requestID, client, requestURI, target)
		return
	}

	s.serveRender(ctx, requestID, client, target)
}

// serveStatic proxies the request path as received; target is only used for logging
func (s *Server) serveStatic(ctx *fasthttp.RequestCtx, requestID, client, requestURI, target string) {
	status, err := s.static.Serve(ctx, requestURI)
	s.metrics.RecordHTTPResponse(metrics.DispositionStatic, status)

	if ce := s.logs.Server.Check(s.staticLevel, "Static file"); ce != nil {
		ce.Write(
			zap.String("request_id", requestID),
			zap.String("client", client),
			zap.String("url", target),
			zap.Int("status", status))
	}

	if err != nil {
		s.logs.Error.Warn("Static file request failed",
			zap.String("request_id", requestID),
			zap.String("client", client),
			zap.String("url", target),
			zap.Int("status", status),
			zap.Error(err))
	}
}

func (s *Server) serveRender(ctx *fasthttp.RequestCtx, requestID, client, target string) {
	s.logs.Server.Info("Render request",
		zap.String("request_id", requestID),
		zap.String("client", client),
		zap.String("url", target))

	job := dispatch.NewJob(requestID, client, target)
	if err := s.queue.Enqueue(job); err != nil {
		// a full queue is logged by the dispatcher
		if !errors.Is(err, dispatch.ErrQueueFull) {
			s.logs.Error.Warn("Render request refused",
				zap.String("request_id", requestID),
				zap.String("client", client),
				zap.String("url", target),
				zap.Error(err))
		}
		s.respondStatus(ctx, metrics.DispositionRejected, fasthttp.StatusServiceUnavailable)
		return
	}

	<-job.Done()

	if job.Dropped() {
		s.logs.Error.Warn("Render request dropped at shutdown",
			zap.String("request_id", requestID),
			zap.String("client", client),
			zap.String("url", target))
		s.respondStatus(ctx, metrics.DispositionRejected, fasthttp.StatusServiceUnavailable)
		return
	}

	httputil.WriteHTML(ctx, job.Page.StatusCode, job.Page.HTML)
	s.metrics.RecordHTTPResponse(metrics.DispositionRender, job.Page.StatusCode)
}

func (s *Server) respondStatus(ctx *fasthttp.RequestCtx, disposition string, statusCode int) {
	httputil.WriteStatus(ctx, statusCode)
	s.metrics.RecordHTTPResponse(disposition, statusCode)
}

// clientIdentity is "<remote ip> <user-agent>"
func clientIdentity(ctx *fasthttp.RequestCtx) string {
	return ctx.RemoteIP().String() + " " + string(ctx.UserAgent())
}

type noopMetrics struct{}

func (noopMetrics) RecordHTTPResponse(string, int) {}

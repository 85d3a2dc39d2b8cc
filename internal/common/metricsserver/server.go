// Package metricsserver exposes Prometheus metrics on a listener separate from the render port.
package metricsserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// HealthPath answers 200 while the process is up
const HealthPath = "/health"

// MetricsHandler interface for metrics collectors
type MetricsHandler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Server is a running metrics listener
type Server struct {
	srv    *fasthttp.Server
	ln     net.Listener
	logger *zap.Logger
}

// Start binds listen and serves metricsHandler on path in the background.
// The bind happens before Start returns so a port clash is reported to the caller.
func Start(listen, path string, metricsHandler MetricsHandler, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp4", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener %s: %w", listen, err)
	}

	s := &Server{
		ln:     ln,
		logger: logger,
		srv: &fasthttp.Server{
			Handler:            newHandler(path, metricsHandler),
			Name:               "prerender-metrics",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			MaxRequestBodySize: 1 * 1024,
			Concurrency:        100,
		},
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", ln.Addr().String()),
			zap.String("path", path))

		if err := s.srv.Serve(ln); err != nil {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	return s, nil
}

// Addr is the bound address, useful when listen used port 0
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the listener and waits for in-flight scrapes
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func newHandler(path string, metricsHandler MetricsHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case path:
			metricsHandler.ServeHTTP(ctx)
		case HealthPath:
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("OK")
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
		}
	}
}

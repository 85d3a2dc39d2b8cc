// Package lifecycle ties the HTTP listener, the dispatcher and the rendering engine together
// and turns engine termination into process exit.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/logger"
	"github.com/edgecomet/prerender/internal/dispatch"
)

// Exit codes reported by Wait
const (
	ExitRequested = 0
	ExitCrashed   = 1
)

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Engine is the rendering resource whose lifetime bounds the process
type Engine interface {
	Start(listener dispatch.EngineListener) error
	Shutdown()
}

// Dispatcher is the part of dispatch.Dispatcher the coordinator drives
type Dispatcher interface {
	TryDispatch()
	Stop() int
}

type Config struct {
	ListenAddress string
	// GracefulExit waits up to ShutdownTimeout for open connections before stopping
	GracefulExit    bool
	ShutdownTimeout time.Duration
}

// Coordinator implements dispatch.EngineListener
type Coordinator struct {
	cfg        Config
	httpServer *fasthttp.Server
	dispatcher Dispatcher
	engine     Engine
	logs       logger.Categories

	state atomic.Int32
	ln    net.Listener

	terminateOnce sync.Once
	done          chan struct{}
	exitCode      int
}

func NewCoordinator(cfg Config, httpServer *fasthttp.Server, dispatcher Dispatcher, engine Engine, logs logger.Categories) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		httpServer: httpServer,
		dispatcher: dispatcher,
		engine:     engine,
		logs:       logs,
		done:       make(chan struct{}),
	}
}

// Start binds the HTTP listener, serves in the background and starts the engine.
// Requests are admitted before the engine is ready and wait in the queue.
func (c *Coordinator) Start() error {
	ln, err := net.Listen("tcp4", c.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", c.cfg.ListenAddress, err)
	}
	c.ln = ln

	go func() {
		if err := c.httpServer.Serve(ln); err != nil {
			c.logs.Error.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	c.logs.Server.Info("Server listening", zap.String("listen", ln.Addr().String()))

	if err := c.engine.Start(c); err != nil {
		_ = c.httpServer.Shutdown()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	return nil
}

// Addr is the bound listener address, nil before Start
func (c *Coordinator) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// EngineReady fires on first start and after every engine restart
func (c *Coordinator) EngineReady() {
	if c.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		c.logs.Server.Info("Renderer ready, accepting renders")
	}
	if c.State() != StateRunning {
		return
	}
	c.dispatcher.TryDispatch()
}

// EngineTerminated starts the shutdown sequence. err is nil for a requested shutdown.
func (c *Coordinator) EngineTerminated(err error) {
	c.terminateOnce.Do(func() {
		go c.shutdown(err)
	})
}

// Done is closed once the coordinator reached StateStopped
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until shutdown completed and returns the process exit code
func (c *Coordinator) Wait() int {
	<-c.done
	return c.exitCode
}

func (c *Coordinator) shutdown(cause error) {
	code := ExitRequested
	if cause != nil {
		code = ExitCrashed
		c.logs.Error.Error("Renderer terminated", zap.Error(cause))
	} else {
		c.logs.Server.Info("Renderer stopped")
	}

	dropped := c.dispatcher.Stop()
	c.logs.Server.Info("Dispatcher stopped", zap.Int("dropped_jobs", dropped))

	if c.cfg.GracefulExit {
		c.state.Store(int32(StateDraining))
		c.logs.Server.Info("Draining open connections", zap.Duration("timeout", c.cfg.ShutdownTimeout))

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		if err := c.httpServer.ShutdownWithContext(ctx); err != nil {
			c.logs.Error.Warn("Graceful shutdown incomplete", zap.Error(err))
		}
		cancel()
	}

	c.state.Store(int32(StateStopped))
	c.exitCode = code
	c.logs.Server.Info("Stopped", zap.Int("exit_code", code))
	close(c.done)
}

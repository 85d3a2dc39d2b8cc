// Package chrome is the rendering engine: one headless Chrome that renders one page at a time.
package chrome

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/logger"
	"github.com/edgecomet/prerender/internal/common/urlutil"
	"github.com/edgecomet/prerender/internal/dispatch"
)

const defaultHealthInterval = 5 * time.Second

// Metrics receives engine observations
type Metrics interface {
	UpdateChromeMemory(bytes uint64)
	RecordEngineRestart(reason string)
	RecordRenderError(errorType string)
}

// Engine owns the browser and implements dispatch.Renderer.
//
// It reports busy from construction until the browser is up, while a page renders and
// while the browser is recycled. Every time it becomes able to take work it calls
// EngineReady on its listener; a crash, a failed (re)start or Shutdown calls
// EngineTerminated exactly once.
type Engine struct {
	cfg     *Config
	logs    logger.Categories
	metrics Metrics

	launch launchFunc
	memory memoryFunc

	busy         atomic.Bool
	state        atomic.Int32
	shuttingDown atomic.Bool

	mu          sync.Mutex
	started     bool
	listener    dispatch.EngineListener
	browser     browser
	renders     int
	monitorStop chan struct{}
	monitorDone chan struct{}

	terminateOnce sync.Once
}

func NewEngine(cfg *Config, logs logger.Categories, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	e := &Engine{
		cfg:     cfg,
		logs:    logs,
		metrics: metrics,
		launch:  launchChrome,
		memory:  processTreeRSS,
	}
	e.busy.Store(true)
	e.state.Store(int32(EngineStateStarting))
	return e
}

// Start launches the browser in the background. listener.EngineReady fires once it is usable.
func (e *Engine) Start(listener dispatch.EngineListener) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.listener = listener
	e.mu.Unlock()

	go e.boot()
	return nil
}

// Busy reports whether a job may be dispatched now
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// RenderPage renders job asynchronously and completes it. The page keeps its 500
// defaults when the render fails.
func (e *Engine) RenderPage(job *dispatch.Job) {
	e.busy.Store(true)
	e.state.Store(int32(EngineStateRendering))

	e.mu.Lock()
	b := e.browser
	e.mu.Unlock()

	go e.render(b, job)
}

// JobFinished counts the render and either frees the engine or recycles the browser
func (e *Engine) JobFinished(job *dispatch.Job) {
	e.mu.Lock()
	e.renders++
	renders := e.renders
	b := e.browser
	e.mu.Unlock()

	if e.shuttingDown.Load() || b == nil {
		return
	}

	if reason := e.restartReason(b, renders); reason != "" {
		e.state.Store(int32(EngineStateRestarting))
		go e.recycle(reason, renders)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown.Load() || e.browser != b {
		return
	}
	e.state.Store(int32(EngineStateIdle))
	e.busy.Store(false)
}

// markClosing pins busy. Readiness is only announced under mu after checking
// shuttingDown, so the slot stays closed once this returns.
func (e *Engine) markClosing() {
	e.mu.Lock()
	e.busy.Store(true)
	e.mu.Unlock()
}

// Shutdown closes the browser and reports a requested termination
func (e *Engine) Shutdown() {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	e.logs.Server.Info("Shutting down Chrome")
	e.markClosing()
	e.stopBrowser()
	e.terminate(nil)
}

func (e *Engine) boot() {
	b, err := e.launchBrowser()
	if err != nil {
		if e.shuttingDown.CompareAndSwap(false, true) {
			e.terminate(fmt.Errorf("%w: %v", ErrStartFailed, err))
		}
		return
	}
	e.becomeReady(b)
}

func (e *Engine) launchBrowser() (browser, error) {
	b, err := e.launch(e.cfg, e.logs.Server)
	if err != nil {
		return nil, err
	}

	if err := b.Warmup(e.cfg.WarmupURL, e.cfg.WarmupTimeout); err != nil {
		e.logs.Error.Warn("Chrome warmup failed", zap.Error(err))
	}
	return b, nil
}

// becomeReady installs b, starts its monitor and announces readiness
func (e *Engine) becomeReady(b browser) {
	e.mu.Lock()
	if e.shuttingDown.Load() {
		e.mu.Unlock()
		b.Close()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	e.browser = b
	e.renders = 0
	e.monitorStop, e.monitorDone = stop, done
	listener := e.listener
	e.state.Store(int32(EngineStateIdle))
	e.busy.Store(false)
	e.mu.Unlock()

	go e.monitor(b, stop, done)

	e.logs.Server.Info("Chrome ready", zap.Int("pid", b.PID()))

	listener.EngineReady()
}

// stopBrowser detaches the current browser, waits for its monitor to exit and closes it
func (e *Engine) stopBrowser() {
	e.mu.Lock()
	b, stop, done := e.browser, e.monitorStop, e.monitorDone
	e.browser, e.monitorStop, e.monitorDone = nil, nil, nil
	e.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if b != nil {
		b.Close()
	}
}

func (e *Engine) recycle(reason string, renders int) {
	e.logs.Server.Info("Restarting Chrome",
		zap.String("reason", reason),
		zap.Int("renders", renders))
	e.metrics.RecordEngineRestart(reason)

	e.stopBrowser()
	if e.shuttingDown.Load() {
		return
	}

	b, err := e.launchBrowser()
	if err != nil {
		if e.shuttingDown.CompareAndSwap(false, true) {
			e.terminate(fmt.Errorf("%w: %v", ErrRestartFailed, err))
		}
		return
	}
	e.becomeReady(b)
}

// restartReason returns the first recycle policy b violates, or ""
func (e *Engine) restartReason(b browser, renders int) string {
	if e.cfg.RestartAfterCount > 0 && renders >= e.cfg.RestartAfterCount {
		return RestartReasonCount
	}

	if e.cfg.RestartAfterTime > 0 && b.Age() >= e.cfg.RestartAfterTime {
		return RestartReasonTime
	}

	if e.cfg.MaxMemoryMB > 0 {
		if rss, ok := e.sampleMemory(b); ok && rss >= uint64(e.cfg.MaxMemoryMB)<<20 {
			return RestartReasonMemory
		}
	}

	return ""
}

func (e *Engine) sampleMemory(b browser) (uint64, bool) {
	pid := b.PID()
	if pid == 0 {
		return 0, false
	}

	rss, err := e.memory(pid)
	if err != nil {
		e.logs.Server.Debug("Failed to sample Chrome memory", zap.Int("pid", pid), zap.Error(err))
		return 0, false
	}

	e.metrics.UpdateChromeMemory(rss)
	return rss, true
}

// monitor probes b every health interval until stop is closed or the browser dies
func (e *Engine) monitor(b browser, stop <-chan struct{}, done chan<- struct{}) {
	crashed := false
	defer func() {
		close(done)
		if crashed {
			go e.handleCrash()
		}
	}()

	interval := e.cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-b.Done():
			crashed = true
			return
		case <-ticker.C:
			if !b.IsAlive() {
				select {
				case <-stop:
				default:
					crashed = true
				}
				return
			}
			e.sampleMemory(b)
		}
	}
}

func (e *Engine) handleCrash() {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	e.markClosing()
	e.stopBrowser()
	e.terminate(ErrEngineCrashed)
}

func (e *Engine) terminate(err error) {
	e.terminateOnce.Do(func() {
		e.state.Store(int32(EngineStateStopped))
		e.busy.Store(true)

		e.mu.Lock()
		listener := e.listener
		e.mu.Unlock()

		if err != nil {
			e.logs.Error.Error("Chrome terminated", zap.Error(err))
		} else {
			e.logs.Server.Info("Chrome stopped")
		}

		if listener != nil {
			listener.EngineTerminated(err)
		}
	})
}

func (e *Engine) render(b browser, job *dispatch.Job) {
	defer job.Complete()

	if b == nil {
		e.metrics.RecordRenderError(categorizeRenderError(ErrBrowserGone))
		e.logs.Error.Warn("Render skipped",
			zap.String("request_id", job.ID),
			zap.String("url", job.TargetURL),
			zap.Error(ErrBrowserGone))
		return
	}

	target := urlutil.JoinBase(e.cfg.BaseURL, job.TargetURL)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.hardTimeout())
	defer cancel()

	result, err := b.Render(ctx, target, job.ID)
	var page dispatch.Page
	if err == nil {
		page, err = finalizePage(result, e.cfg.StripScripts)
	}
	if err != nil {
		e.metrics.RecordRenderError(categorizeRenderError(err))
		e.logs.Error.Warn("Render failed",
			zap.String("request_id", job.ID),
			zap.String("url", target),
			zap.Error(err))
		return
	}

	job.Page = page

	e.logs.Server.Debug("Page rendered",
		zap.String("request_id", job.ID),
		zap.String("url", target),
		zap.Int("status", page.StatusCode),
		zap.Int("html_size", len(page.HTML)),
		zap.Bool("timed_out", result.TimedOut))
}

type noopMetrics struct{}

func (noopMetrics) UpdateChromeMemory(uint64)  {}
func (noopMetrics) RecordEngineRestart(string) {}
func (noopMetrics) RecordRenderError(string)   {}

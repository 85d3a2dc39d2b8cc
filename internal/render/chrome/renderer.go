package chrome

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/htmlprocessor"
	"github.com/edgecomet/prerender/internal/common/urlutil"
	"github.com/edgecomet/prerender/internal/dispatch"
)

// maxHTMLResponseSize is the largest page handed back to a client (20MB)
const maxHTMLResponseSize = 20971520

// documentStatuses records the last response status per network request ID.
// For the main document the request ID equals the navigation loader ID, and redirects
// reuse it, so the final entry is the status of the page that was actually rendered.
type documentStatuses struct {
	mu       sync.Mutex
	statuses map[string]int
}

func (d *documentStatuses) set(requestID string, status int) {
	d.mu.Lock()
	if d.statuses == nil {
		d.statuses = make(map[string]int)
	}
	d.statuses[requestID] = status
	d.mu.Unlock()
}

func (d *documentStatuses) get(requestID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statuses[requestID]
}

// Render opens a tab, navigates to targetURL and extracts the resulting DOM.
// ctx bounds the whole operation; the navigation wait itself is soft.
func (b *chromeBrowser) Render(ctx context.Context, targetURL, requestID string) (*RenderResult, error) {
	if b.ctx.Err() != nil {
		return nil, ErrBrowserGone
	}

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()

	// Cancel the tab when the render deadline passes
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	result := &RenderResult{}
	statuses := &documentStatuses{}
	var loaderID string

	err := chromedp.Run(tabCtx, b.buildTasks(targetURL, requestID, result, statuses, &loaderID))

	if ctx.Err() != nil {
		return nil, fmt.Errorf("render deadline exceeded: %w", ctx.Err())
	}
	if b.ctx.Err() != nil {
		return nil, ErrBrowserGone
	}
	if err != nil {
		return nil, err
	}

	result.StatusCode = statuses.get(loaderID)
	if result.StatusCode == 0 {
		return nil, ErrStatusCapture
	}

	return result, nil
}

func (b *chromeBrowser) buildTasks(targetURL, requestID string, result *RenderResult, statuses *documentStatuses, loaderID *string) chromedp.Tasks {
	var fetchHandlers atomic.Int64

	tasks := chromedp.Tasks{
		// Listeners go first so no event is missed
		chromedp.ActionFunc(func(ctx context.Context) error {
			chromedp.ListenTarget(ctx, func(event interface{}) {
				switch ev := event.(type) {
				case *network.EventResponseReceived:
					if ev.Type == network.ResourceTypeDocument {
						statuses.set(string(ev.RequestID), int(ev.Response.Status))
					}
				case *fetch.EventRequestPaused:
					fetchHandlers.Add(1)
					go func() {
						defer fetchHandlers.Add(-1)
						b.handlePausedRequest(ctx, ev, targetURL, requestID)
					}()
				}
			})
			return nil
		}),

		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{headerPrerender: "1"}),
		network.ClearBrowserCookies(),
		enableLifeCycle(),
		emulation.SetDeviceMetricsOverride(
			int64(b.cfg.ViewportWidth),
			int64(b.cfg.ViewportHeight),
			1.0,
			b.cfg.ViewportWidth < 768,
		),
	}

	if b.cfg.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(b.cfg.UserAgent))
	}
	if b.blocklist != nil {
		tasks = append(tasks, fetch.Enable())
	}

	return append(tasks,
		b.navigateAndWait(targetURL, requestID, result, loaderID),
		chromedp.WaitReady("body", chromedp.ByQuery),
		extractHTML(&result.HTML),
		chromedp.Location(&result.FinalURL),
		b.statusFallback(statuses, loaderID),
		waitForFetchHandlers(&fetchHandlers),
	)
}

// handlePausedRequest aborts blocked subresources and lets everything else through
func (b *chromeBrowser) handlePausedRequest(ctx context.Context, ev *fetch.EventRequestPaused, targetURL, requestID string) {
	cmdCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	c := chromedp.FromContext(cmdCtx)
	executor := cdp.WithExecutor(cmdCtx, c.Target)

	blocked := !urlutil.SameSite(targetURL, ev.Request.URL) &&
		(b.blocklist.IsBlocked(ev.Request.URL) || b.blocklist.IsResourceTypeBlocked(string(ev.ResourceType)))
	if ev.ResourceType == network.ResourceTypeDocument {
		blocked = false
	}

	if blocked {
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(executor); err != nil {
			b.logger.Debug("Failed to block request",
				zap.String("request_id", requestID),
				zap.String("url", ev.Request.URL),
				zap.Error(err))
		}
		return
	}

	if err := fetch.ContinueRequest(ev.RequestID).Do(executor); err != nil {
		b.logger.Debug("Failed to continue request, failing instead",
			zap.String("request_id", requestID),
			zap.String("url", ev.Request.URL),
			zap.Error(err))
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(executor)
	}
}

// navigateAndWait navigates and waits for the configured lifecycle event.
// Supported events: "DOMContentLoaded", "load", "networkIdle", "networkAlmostIdle".
// The wait is soft: on timeout result.TimedOut is set and extraction continues.
func (b *chromeBrowser) navigateAndWait(targetURL, requestID string, result *RenderResult, loaderID *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		frameID, loader, errorText, _, err := page.Navigate(targetURL).Do(ctx)
		if err != nil {
			return errors.Join(ErrNavigateFailed, err)
		}
		*loaderID = string(loader)
		if errorText != "" {
			return fmt.Errorf("%w: %s", ErrNavigateFailed, errorText)
		}

		err = waitForEvent(ctx, b.cfg.WaitFor, string(frameID), string(loader), b.cfg.RenderTimeout)
		if errors.Is(err, ErrWaitTimeout) {
			result.TimedOut = true
			b.logger.Debug("Navigation wait timed out, continuing with HTML extraction",
				zap.String("request_id", requestID),
				zap.String("url", targetURL),
				zap.Duration("timeout", b.cfg.RenderTimeout))
		} else if err != nil {
			return err
		}

		if b.cfg.ExtraWait > 0 && !result.TimedOut {
			select {
			case <-time.After(b.cfg.ExtraWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	}
}

// waitForEvent waits for a page lifecycle event matching frameID and loaderID
func waitForEvent(ctx context.Context, eventName, frameID, loaderID string, timeout time.Duration) error {
	ch := make(chan struct{})

	listenerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		if string(e.FrameID) == frameID && string(e.LoaderID) == loaderID && e.Name == eventName {
			once.Do(func() { close(ch) })
		}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// statusFallback reads the navigation status from the Performance API when the
// network event was missed
func (b *chromeBrowser) statusFallback(statuses *documentStatuses, loaderID *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if statuses.get(*loaderID) != 0 {
			return nil
		}

		var status int64
		err := chromedp.Evaluate(`
			(function() {
				try {
					var nav = performance.getEntriesByType('navigation')[0];
					return (nav && nav.responseStatus) || 0;
				} catch (e) {
					return 0;
				}
			})()
		`, &status).Do(ctx)
		if err != nil {
			b.logger.Debug("Performance API status fallback failed", zap.Error(err))
			return nil
		}
		if status > 0 {
			statuses.set(*loaderID, int(status))
		}
		return nil
	}
}

// extractHTML extracts the page HTML with retry logic
func extractHTML(output *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var lastErr error

		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(300 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			root, err := dom.GetDocument().Do(ctx)
			if err != nil {
				lastErr = err
				continue
			}

			html, err := dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
			if err != nil {
				lastErr = err
				continue
			}

			*output = html
			return nil
		}

		return fmt.Errorf("%w after 3 attempts: %v", ErrExtractHTML, lastErr)
	}
}

// waitForFetchHandlers lets paused-request goroutines finish before the tab is torn down
func waitForFetchHandlers(count *atomic.Int64) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		deadline := time.After(5 * time.Second)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for count.Load() > 0 {
			select {
			case <-deadline:
				return nil
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// enableLifeCycle enables page lifecycle events
func enableLifeCycle() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

// finalizePage turns a raw render into the page sent to the client: size limit,
// prerender-status-code override and optional script stripping
func finalizePage(result *RenderResult, stripScripts bool) (dispatch.Page, error) {
	if len(result.HTML) > maxHTMLResponseSize {
		return dispatch.Page{}, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(result.HTML))
	}

	page := dispatch.Page{
		StatusCode: result.StatusCode,
		HTML:       result.HTML,
	}

	doc, err := htmlprocessor.ParseWithDOM([]byte(result.HTML))
	if err != nil {
		// unparseable markup is still returned as-is
		return page, nil
	}

	if code, ok := doc.StatusCodeOverride(); ok {
		page.StatusCode = code
	}

	if stripScripts && doc.CleanScripts() {
		page.HTML = string(doc.HTML())
	}

	return page, nil
}

// categorizeRenderError maps render errors to metric labels
func categorizeRenderError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrExtractHTML):
		return ErrorTypeExtract
	case errors.Is(err, ErrStatusCapture):
		return ErrorTypeStatusCapture
	case errors.Is(err, ErrResponseTooLarge):
		return ErrorTypeTooLarge
	case errors.Is(err, ErrBrowserGone):
		return ErrorTypeBrowserGone
	}

	// chromedp and Chrome errors we don't control
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "net::err_") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "certificate") {
		return ErrorTypeNetwork
	}

	return ErrorTypeNavigation
}

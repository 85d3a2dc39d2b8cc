package chrome

import (
	"context"
	"fmt"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const healthCheckTimeout = 5 * time.Second

// browser is one running Chrome process
type browser interface {
	// Render loads targetURL in a fresh tab and returns the raw result
	Render(ctx context.Context, targetURL, requestID string) (*RenderResult, error)
	Warmup(url string, timeout time.Duration) error
	IsAlive() bool
	// PID is the browser process id, 0 when unknown
	PID() int
	// Done is closed when the browser exits, for any reason
	Done() <-chan struct{}
	Age() time.Duration
	Close()
}

// launchFunc starts a browser; replaced in tests
type launchFunc func(cfg *Config, logger *zap.Logger) (browser, error)

// chromeBrowser is a headless Chrome driven through chromedp
type chromeBrowser struct {
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	createdAt       time.Time
	version         string

	cfg       *Config
	blocklist *Blocklist
	logger    *zap.Logger
}

func launchChrome(cfg *Config, logger *zap.Logger) (browser, error) {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	b := &chromeBrowser{
		createdAt: time.Now().UTC(),
		cfg:       cfg,
		logger:    logger,
	}
	if cfg.BlockRequests {
		b.blocklist = NewBlocklistWithResourceTypes(cfg.BlockedPatterns, cfg.BlockedResourceTypes)
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	b.allocatorCtx, b.allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	b.ctx, b.cancel = chromedp.NewContext(b.allocatorCtx)

	// Run with no actions starts the process
	if err := chromedp.Run(b.ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	if err := chromedp.Run(b.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		b.version = product
		return nil
	})); err != nil {
		logger.Warn("Failed to capture browser version", zap.Error(err))
	}

	logger.Info("Chrome started",
		zap.String("version", b.version),
		zap.Int("pid", b.PID()))

	return b, nil
}

// Warmup navigates to a page once so the first real render does not pay for cold caches
func (b *chromeBrowser) Warmup(url string, timeout time.Duration) error {
	if url == "" {
		return nil
	}

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()
	ctx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("warmup navigation failed: %w", err)
	}

	b.logger.Debug("Chrome warmed up", zap.String("warmup_url", url))
	return nil
}

// IsAlive asks the browser for its version as a health probe
func (b *chromeBrowser) IsAlive() bool {
	if b.ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(b.ctx, healthCheckTimeout)
	defer cancel()

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		return err
	}))
	return err == nil
}

func (b *chromeBrowser) PID() int {
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return 0
	}
	if proc := c.Browser.Process(); proc != nil {
		return proc.Pid
	}
	return 0
}

func (b *chromeBrowser) Done() <-chan struct{} {
	return b.ctx.Done()
}

func (b *chromeBrowser) Age() time.Duration {
	return time.Since(b.createdAt)
}

// Close terminates the browser process
func (b *chromeBrowser) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocatorCancel != nil {
		b.allocatorCancel()
	}
}

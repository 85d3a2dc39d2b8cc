package chrome

import (
	"fmt"
	"time"

	"github.com/edgecomet/prerender/internal/common/config"
)

// extractionMargin is added on top of the navigation timeout for DOM extraction and post-processing
const extractionMargin = 5 * time.Second

// Config holds the engine configuration, flattened from the chrome section of the YAML
type Config struct {
	BaseURL  string
	ExecPath string

	WarmupURL     string
	WarmupTimeout time.Duration

	// Restart policies, zero disables a policy
	RestartAfterCount int
	RestartAfterTime  time.Duration
	MaxMemoryMB       int

	HealthInterval time.Duration

	RenderTimeout  time.Duration // navigation wait, soft: HTML is still extracted after it expires
	WaitFor        string
	ExtraWait      time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	StripScripts   bool

	BlockRequests        bool
	BlockedPatterns      []string
	BlockedResourceTypes []string
}

// NewConfig maps the validated application configuration onto the engine
func NewConfig(cfg *config.Config) *Config {
	c := cfg.Chrome
	return &Config{
		BaseURL:              cfg.RenderBaseURL(),
		ExecPath:             c.ExecPath,
		WarmupURL:            c.Warmup.URL,
		WarmupTimeout:        c.Warmup.Timeout.ToDuration(),
		RestartAfterCount:    c.Restart.AfterCount,
		RestartAfterTime:     c.Restart.AfterTime.ToDuration(),
		MaxMemoryMB:          c.Restart.MaxMemoryMB,
		HealthInterval:       c.HealthInterval.ToDuration(),
		RenderTimeout:        c.Render.Timeout.ToDuration(),
		WaitFor:              c.Render.WaitFor,
		ExtraWait:            c.Render.ExtraWait.ToDuration(),
		UserAgent:            c.Render.UserAgent,
		ViewportWidth:        c.Render.Viewport.Width,
		ViewportHeight:       c.Render.Viewport.Height,
		StripScripts:         c.Render.StripScripts,
		BlockRequests:        c.Render.Block.Enabled,
		BlockedPatterns:      c.Render.Block.Patterns,
		BlockedResourceTypes: c.Render.Block.ResourceTypes,
	}
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "http://localhost:8000/",
		WarmupTimeout:     10 * time.Second,
		RestartAfterCount: 100,
		RestartAfterTime:  60 * time.Minute,
		HealthInterval:    5 * time.Second,
		RenderTimeout:     30 * time.Second,
		WaitFor:           config.WaitForLoad,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}
	if c.RestartAfterCount < 0 || c.RestartAfterTime < 0 || c.MaxMemoryMB < 0 {
		return fmt.Errorf("restart policies must not be negative")
	}
	return nil
}

// hardTimeout bounds a whole render, after which the tab is cancelled
func (c *Config) hardTimeout() time.Duration {
	return c.RenderTimeout + c.ExtraWait + extractionMargin
}

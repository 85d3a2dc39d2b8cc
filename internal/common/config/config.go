package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgecomet/prerender/internal/common/configtypes"
	"github.com/edgecomet/prerender/internal/common/yamlutil"
	"github.com/edgecomet/prerender/pkg/pattern"
	"github.com/edgecomet/prerender/pkg/types"
)

// DefaultFilesMatch routes common static asset extensions to the file proxy
const DefaultFilesMatch = `~*^[^?#]*\.(js|css|png|jpe?g|gif|svg|ico|webp|woff2?|ttf|eot|otf|map|txt|xml|json|pdf|mp4|webm)(\?.*)?$`

// Wait conditions understood by chrome.render.wait_for
const (
	WaitForLoad              = "load"
	WaitForDOMContentLoaded  = "DOMContentLoaded"
	WaitForNetworkIdle       = "networkIdle"
	WaitForNetworkAlmostIdle = "networkAlmostIdle"
)

const (
	defaultPort              = 3000
	defaultMaxQueueSize      = 50
	defaultShutdownTimeout   = 30 * time.Second
	defaultWarmupTimeout     = 10 * time.Second
	defaultRestartAfterCount = 100
	defaultRestartAfterTime  = 60 * time.Minute
	defaultHealthInterval    = 5 * time.Second
	defaultRenderTimeout     = 30 * time.Second
	defaultViewportWidth     = 1920
	defaultViewportHeight    = 1080
	defaultMetricsPath       = "/metrics"
	defaultMetricsNamespace  = "prerender"
	defaultRedisAddr         = "localhost:6379"
)

// Config is the prerender process configuration
type Config struct {
	Server  ServerConfig              `yaml:"server"`
	Queue   QueueConfig               `yaml:"queue"`
	Files   FilesConfig               `yaml:"files"`
	Chrome  ChromeConfig              `yaml:"chrome"`
	Redis   configtypes.RedisConfig   `yaml:"redis"`
	Log     configtypes.LogConfig     `yaml:"log"`
	Metrics configtypes.MetricsConfig `yaml:"metrics"`
}

// ServerConfig is the HTTP front door. The bound port is port + process_num.
type ServerConfig struct {
	Host            string         `yaml:"host"`
	Port            int            `yaml:"port"`
	ProcessNum      int            `yaml:"process_num"`
	GracefulExit    bool           `yaml:"graceful_exit"`
	ShutdownTimeout types.Duration `yaml:"shutdown_timeout"`
}

type QueueConfig struct {
	// MaxSize bounds waiting jobs; 0 selects the default
	MaxSize int `yaml:"max_size"`
}

// FilesConfig controls which requests bypass rendering and how they are served
type FilesConfig struct {
	Match  string `yaml:"match"`
	Serve  bool   `yaml:"serve"`
	Log    bool   `yaml:"log"`
	AppURL string `yaml:"app_url"`

	matcher *pattern.Pattern
}

// Matcher returns the compiled files.match pattern. Nil until the config is validated.
func (f *FilesConfig) Matcher() *pattern.Pattern {
	return f.matcher
}

type ChromeConfig struct {
	// BaseURL is prepended to every render target. Falls back to files.app_url.
	BaseURL        string         `yaml:"base_url"`
	ExecPath       string         `yaml:"exec_path"`
	Warmup         WarmupConfig   `yaml:"warmup"`
	Restart        RestartConfig  `yaml:"restart"`
	HealthInterval types.Duration `yaml:"health_interval"`
	Render         RenderConfig   `yaml:"render"`
}

// WarmupConfig is the page loaded once after each browser start. Empty URL skips warmup.
type WarmupConfig struct {
	URL     string         `yaml:"url"`
	Timeout types.Duration `yaml:"timeout"`
}

// RestartConfig is the browser recycle policy. MaxMemoryMB 0 disables the memory check.
type RestartConfig struct {
	AfterCount  int            `yaml:"after_count"`
	AfterTime   types.Duration `yaml:"after_time"`
	MaxMemoryMB int            `yaml:"max_memory_mb"`
}

type RenderConfig struct {
	Timeout      types.Duration `yaml:"timeout"`
	WaitFor      string         `yaml:"wait_for"`
	ExtraWait    types.Duration `yaml:"extra_wait"`
	UserAgent    string         `yaml:"user_agent"`
	Viewport     ViewportConfig `yaml:"viewport"`
	StripScripts bool           `yaml:"strip_scripts"`
	Block        BlockConfig    `yaml:"block"`
}

// BlockConfig aborts subresource requests during a render. Patterns use pkg/pattern syntax
// against the full request URL; resource types are CDP names such as Image, Media or Font.
type BlockConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Patterns      []string `yaml:"patterns"`
	ResourceTypes []string `yaml:"resource_types"`
}

type ViewportConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// LoadConfig reads, defaults and validates the configuration file
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = types.Duration(defaultShutdownTimeout)
	}

	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = defaultMaxQueueSize
	}

	if cfg.Files.Match == "" {
		cfg.Files.Match = DefaultFilesMatch
	}

	if cfg.Chrome.Warmup.Timeout == 0 {
		cfg.Chrome.Warmup.Timeout = types.Duration(defaultWarmupTimeout)
	}
	if cfg.Chrome.Restart.AfterCount == 0 {
		cfg.Chrome.Restart.AfterCount = defaultRestartAfterCount
	}
	if cfg.Chrome.Restart.AfterTime == 0 {
		cfg.Chrome.Restart.AfterTime = types.Duration(defaultRestartAfterTime)
	}
	if cfg.Chrome.HealthInterval == 0 {
		cfg.Chrome.HealthInterval = types.Duration(defaultHealthInterval)
	}
	if cfg.Chrome.Render.Timeout == 0 {
		cfg.Chrome.Render.Timeout = types.Duration(defaultRenderTimeout)
	}
	if cfg.Chrome.Render.WaitFor == "" {
		cfg.Chrome.Render.WaitFor = WaitForLoad
	}
	if cfg.Chrome.Render.Viewport.Width == 0 {
		cfg.Chrome.Render.Viewport.Width = defaultViewportWidth
	}
	if cfg.Chrome.Render.Viewport.Height == 0 {
		cfg.Chrome.Render.Viewport.Height = defaultViewportHeight
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}

	// If both outputs are disabled (zero values), enable console by default
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetricsNamespace
	}
}

// Validate checks configuration validity and compiles files.match
func (cfg *Config) Validate() error {
	if err := cfg.validateServer(); err != nil {
		return err
	}

	if cfg.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must be >= 0 (0 selects the default %d), got %d", defaultMaxQueueSize, cfg.Queue.MaxSize)
	}

	if err := cfg.validateFiles(); err != nil {
		return err
	}

	if err := cfg.validateChrome(); err != nil {
		return err
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if err := validateLog(cfg.Log); err != nil {
		return err
	}

	return cfg.validateMetrics()
}

func (cfg *Config) validateServer() error {
	if cfg.Server.ProcessNum < 0 {
		return fmt.Errorf("server.process_num must be >= 0, got %d", cfg.Server.ProcessNum)
	}
	if err := configtypes.ValidatePort(cfg.Server.Port + cfg.Server.ProcessNum); err != nil {
		return fmt.Errorf("invalid server.port: %w", err)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	return nil
}

func (cfg *Config) validateFiles() error {
	matcher, err := pattern.Compile(cfg.Files.Match)
	if err != nil {
		return fmt.Errorf("invalid files.match: %w", err)
	}
	cfg.Files.matcher = matcher

	if cfg.Files.AppURL == "" {
		if cfg.Files.Serve {
			return fmt.Errorf("files.app_url is required when files.serve is enabled")
		}
		if cfg.Chrome.BaseURL == "" {
			return fmt.Errorf("files.app_url is required when chrome.base_url is not set")
		}
		return nil
	}

	if err := validateHTTPURL(cfg.Files.AppURL); err != nil {
		return fmt.Errorf("invalid files.app_url: %w", err)
	}
	return nil
}

func (cfg *Config) validateChrome() error {
	c := cfg.Chrome

	if c.BaseURL != "" {
		if err := validateHTTPURL(c.BaseURL); err != nil {
			return fmt.Errorf("invalid chrome.base_url: %w", err)
		}
	}

	if c.Warmup.URL != "" {
		if err := validateHTTPURL(c.Warmup.URL); err != nil {
			return fmt.Errorf("invalid chrome.warmup.url: %w", err)
		}
	}
	if c.Warmup.Timeout <= 0 {
		return fmt.Errorf("chrome.warmup.timeout must be positive")
	}

	if c.Restart.AfterCount < 0 {
		return fmt.Errorf("chrome.restart.after_count must be positive")
	}
	if c.Restart.AfterTime < 0 {
		return fmt.Errorf("chrome.restart.after_time must be positive")
	}
	if c.Restart.MaxMemoryMB < 0 {
		return fmt.Errorf("chrome.restart.max_memory_mb must be >= 0, got %d", c.Restart.MaxMemoryMB)
	}

	if c.HealthInterval <= 0 {
		return fmt.Errorf("chrome.health_interval must be positive")
	}

	if c.Render.Timeout <= 0 {
		return fmt.Errorf("chrome.render.timeout must be positive")
	}
	if c.Render.ExtraWait < 0 {
		return fmt.Errorf("chrome.render.extra_wait must be >= 0")
	}

	switch c.Render.WaitFor {
	case WaitForLoad, WaitForDOMContentLoaded, WaitForNetworkIdle, WaitForNetworkAlmostIdle:
	default:
		return fmt.Errorf("invalid chrome.render.wait_for: %s (must be load, DOMContentLoaded, networkIdle or networkAlmostIdle)", c.Render.WaitFor)
	}

	if c.Render.Viewport.Width <= 0 || c.Render.Viewport.Height <= 0 {
		return fmt.Errorf("chrome.render.viewport must have positive width and height")
	}

	for i, raw := range c.Render.Block.Patterns {
		if _, err := pattern.Compile(raw); err != nil {
			return fmt.Errorf("invalid chrome.render.block.patterns[%d]: %w", i, err)
		}
	}

	return nil
}

func validateLog(log configtypes.LogConfig) error {
	validLogLevels := map[string]bool{
		configtypes.LogLevelDebug:  true,
		configtypes.LogLevelInfo:   true,
		configtypes.LogLevelWarn:   true,
		configtypes.LogLevelError:  true,
		configtypes.LogLevelDPanic: true,
		configtypes.LogLevelPanic:  true,
		configtypes.LogLevelFatal:  true,
	}
	if !validLogLevels[log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, error, dpanic, panic, or fatal)", log.Level)
	}

	if log.Console.Enabled && log.Console.Format != configtypes.LogFormatJSON && log.Console.Format != configtypes.LogFormatConsole {
		return fmt.Errorf("invalid log.console.format: %s (must be json or console)", log.Console.Format)
	}

	if log.File.Enabled {
		if log.File.Path == "" {
			return fmt.Errorf("log.file.path must be specified when file logging is enabled")
		}
		if log.File.Format != configtypes.LogFormatJSON && log.File.Format != configtypes.LogFormatText {
			return fmt.Errorf("invalid log.file.format: %s (must be json or text)", log.File.Format)
		}
		if log.File.Rotation.MaxSize < 0 {
			return fmt.Errorf("log.file.rotation.max_size must be >= 0, got %d", log.File.Rotation.MaxSize)
		}
		if log.File.Rotation.MaxAge < 0 {
			return fmt.Errorf("log.file.rotation.max_age must be >= 0, got %d", log.File.Rotation.MaxAge)
		}
		if log.File.Rotation.MaxBackups < 0 {
			return fmt.Errorf("log.file.rotation.max_backups must be >= 0, got %d", log.File.Rotation.MaxBackups)
		}
	}

	return nil
}

func (cfg *Config) validateMetrics() error {
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", cfg.Metrics.Path)
	}

	// Prometheus namespace must match: [a-zA-Z_][a-zA-Z0-9_]*
	if matched, _ := regexp.MatchString(`^[a-zA-Z_][a-zA-Z0-9_]*$`, cfg.Metrics.Namespace); !matched {
		return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", cfg.Metrics.Namespace)
	}

	if !cfg.Metrics.Enabled {
		return nil
	}

	if cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics enabled")
	}
	listen, err := cfg.MetricsListenAddress()
	if err != nil {
		return fmt.Errorf("invalid metrics.listen: %w", err)
	}
	_, metricsPort, _ := configtypes.ParseListenAddress(listen)
	if metricsPort == cfg.Port() {
		return fmt.Errorf("metrics.listen port (%d) must differ from server port (%d)", metricsPort, cfg.Port())
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %s", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required: %s", raw)
	}
	return nil
}

// Port is the TCP port this process binds: server.port + server.process_num
func (cfg *Config) Port() int {
	return cfg.Server.Port + cfg.Server.ProcessNum
}

// ListenAddress is the address the HTTP server binds
func (cfg *Config) ListenAddress() string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Port()))
}

// MetricsListenAddress is metrics.listen shifted by server.process_num
func (cfg *Config) MetricsListenAddress() (string, error) {
	return configtypes.OffsetListen(cfg.Metrics.Listen, cfg.Server.ProcessNum)
}

// RenderBaseURL is the origin render targets are resolved against
func (cfg *Config) RenderBaseURL() string {
	if cfg.Chrome.BaseURL != "" {
		return cfg.Chrome.BaseURL
	}
	return cfg.Files.AppURL
}

// GetConfigPath resolves the config file path
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("config path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}

	return absPath, nil
}

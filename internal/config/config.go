// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Telemetry() TelemetryConfig
	Browser() BrowserConfig
	Automation() AutomationConfig
	Device() DeviceConfig
	Executor() ExecutorConfig
	Templates() TemplatesConfig
	Database() DatabaseConfig
	Redis() RedisConfig
	Queue() QueueConfig
	Server() ServerConfig
	Advisor() AdvisorConfig
	Diagnostics() DiagnosticsConfig

	SetBrowserEngine(string)
	SetBrowserHeadless(bool)
	SetDeviceProfile(string)
	SetAutomationDetectionStrategy(string)
	SetAutomationMaxAttempts(int)
	SetDiagnosticsDir(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	TelemetryCfg   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	AutomationCfg  AutomationConfig  `mapstructure:"automation" yaml:"automation"`
	DeviceCfg      DeviceConfig      `mapstructure:"device" yaml:"device"`
	ExecutorCfg    ExecutorConfig    `mapstructure:"executor" yaml:"executor"`
	TemplatesCfg   TemplatesConfig   `mapstructure:"templates" yaml:"templates"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	RedisCfg       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	QueueCfg       QueueConfig       `mapstructure:"queue" yaml:"queue"`
	ServerCfg      ServerConfig      `mapstructure:"server" yaml:"server"`
	AdvisorCfg     AdvisorConfig     `mapstructure:"advisor" yaml:"advisor"`
	DiagnosticsCfg DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Telemetry() TelemetryConfig     { return c.TelemetryCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Automation() AutomationConfig   { return c.AutomationCfg }
func (c *Config) Device() DeviceConfig           { return c.DeviceCfg }
func (c *Config) Executor() ExecutorConfig       { return c.ExecutorCfg }
func (c *Config) Templates() TemplatesConfig     { return c.TemplatesCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Redis() RedisConfig             { return c.RedisCfg }
func (c *Config) Queue() QueueConfig             { return c.QueueCfg }
func (c *Config) Server() ServerConfig           { return c.ServerCfg }
func (c *Config) Advisor() AdvisorConfig         { return c.AdvisorCfg }
func (c *Config) Diagnostics() DiagnosticsConfig { return c.DiagnosticsCfg }

// -- Setters used by CLI flag overrides --

func (c *Config) SetBrowserEngine(e string)      { c.BrowserCfg.Engine = e }
func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetDeviceProfile(p string)      { c.DeviceCfg.Profile = p }
func (c *Config) SetAutomationMaxAttempts(n int) { c.AutomationCfg.MaxAttempts = n }
func (c *Config) SetDiagnosticsDir(d string)     { c.DiagnosticsCfg.Dir = d }
func (c *Config) SetAutomationDetectionStrategy(s string) {
	c.AutomationCfg.DetectionStrategy = s
}

// LoggerConfig defines all the settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// TelemetryConfig configures OpenTelemetry export. Disabled means no-op providers.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure       bool          `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio    float64       `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	MetricInterval time.Duration `mapstructure:"metric_interval" yaml:"metric_interval"`
}

// Browser engines.
const (
	EngineChromedp   = "chromedp"
	EngineRod        = "rod"
	EnginePlaywright = "playwright"
	EnginePureGo     = "purego"
)

// BrowserConfig holds settings for the browser session layer.
type BrowserConfig struct {
	Engine          string `mapstructure:"engine" yaml:"engine"`
	Headless        bool   `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool   `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	// RemoteURL attaches to an already running browser (DevTools websocket URL) instead of launching one.
	RemoteURL         string        `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// NetworkIdle is the quiet period that counts as "settled".
	NetworkIdle time.Duration `mapstructure:"network_idle" yaml:"network_idle"`
	// IdleTimeout bounds the wait for NetworkIdle.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	Typing      TypingConfig  `mapstructure:"typing" yaml:"typing"`
}

// TypingConfig parameterizes the per-character typing cadence.
type TypingConfig struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	KeyPauseMeanMs   float64 `mapstructure:"key_pause_mean_ms" yaml:"key_pause_mean_ms"`
	KeyPauseStdDevMs float64 `mapstructure:"key_pause_std_dev_ms" yaml:"key_pause_std_dev_ms"`
	KeyPauseMinMs    float64 `mapstructure:"key_pause_min_ms" yaml:"key_pause_min_ms"`
	KeyPauseMaxMs    float64 `mapstructure:"key_pause_max_ms" yaml:"key_pause_max_ms"`
	NgramFactor2     float64 `mapstructure:"ngram_factor_2" yaml:"ngram_factor_2"`
	NgramFactor3     float64 `mapstructure:"ngram_factor_3" yaml:"ngram_factor_3"`
	WordPauseFactor  float64 `mapstructure:"word_pause_factor" yaml:"word_pause_factor"`
	FatigueIncrease  float64 `mapstructure:"fatigue_increase" yaml:"fatigue_increase"`
	FatigueFactor    float64 `mapstructure:"fatigue_factor" yaml:"fatigue_factor"`
}

// Detection strategies.
const (
	StrategyRules  = "rules"
	StrategyHybrid = "hybrid"
)

// AutomationConfig drives the orchestrator's state machine and retry policy.
type AutomationConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InteractionRetries int           `mapstructure:"interaction_retries" yaml:"interaction_retries"`
	ValidationRetries  int           `mapstructure:"validation_retries" yaml:"validation_retries"`
	MaxSteps           int           `mapstructure:"max_steps" yaml:"max_steps"`
	RunTimeout         time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	LocateTimeout      time.Duration `mapstructure:"locate_timeout" yaml:"locate_timeout"`
	LocatePoll         time.Duration `mapstructure:"locate_poll" yaml:"locate_poll"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	// ScreenshotOnFailure enables diagnostic capture on failed and manual attempts.
	ScreenshotOnFailure bool   `mapstructure:"screenshot_on_failure" yaml:"screenshot_on_failure"`
	DetectionStrategy   string `mapstructure:"detection_strategy" yaml:"detection_strategy"`
}

// DeviceConfig selects the emulated device.
type DeviceConfig struct {
	Profile            string `mapstructure:"profile" yaml:"profile"`
	MaxDismissAttempts int    `mapstructure:"max_dismiss_attempts" yaml:"max_dismiss_attempts"`
	// SettleDelay overrides the profile's post-action delay when positive.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// ExecutorConfig tunes filling and outcome detection.
type ExecutorConfig struct {
	DismissEvery int           `mapstructure:"dismiss_every" yaml:"dismiss_every"`
	SubmitWait   time.Duration `mapstructure:"submit_wait" yaml:"submit_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	FieldTimeout time.Duration `mapstructure:"field_timeout" yaml:"field_timeout"`
}

// Template sources.
const (
	TemplateSourceNone     = "none"
	TemplateSourceFile     = "file"
	TemplateSourcePostgres = "postgres"
)

// TemplatesConfig selects where manufacturer field mappings come from.
type TemplatesConfig struct {
	Source   string        `mapstructure:"source" yaml:"source"`
	Dir      string        `mapstructure:"dir" yaml:"dir"`
	Cache    bool          `mapstructure:"cache" yaml:"cache"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// QueueConfig configures the job queue and its workers.
type QueueConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Key     string `mapstructure:"key" yaml:"key"`
	Size    int    `mapstructure:"size" yaml:"size"`
	Workers int    `mapstructure:"workers" yaml:"workers"`
	// PerHostInterval spaces out runs against the same host.
	PerHostInterval time.Duration `mapstructure:"per_host_interval" yaml:"per_host_interval"`
	PopTimeout      time.Duration `mapstructure:"pop_timeout" yaml:"pop_timeout"`
}

// ServerConfig configures the HTTP job API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AdvisorConfig configures the LLM field advisor used by the hybrid strategy.
type AdvisorConfig struct {
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxCandidates     int           `mapstructure:"max_candidates" yaml:"max_candidates"`
}

// DiagnosticsConfig controls failure artifact capture.
type DiagnosticsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
	// CompressHTML writes snapshots as brotli-compressed .html.br files.
	CompressHTML bool `mapstructure:"compress_html" yaml:"compress_html"`
	// InlineHTMLBytes caps the snapshot copied into the result itself; 0 disables inlining.
	InlineHTMLBytes int `mapstructure:"inline_html_bytes" yaml:"inline_html_bytes"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoreg")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Telemetry --
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.metric_interval", "30s")

	// -- Browser --
	v.SetDefault("browser.engine", EngineChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.network_idle", "500ms")
	v.SetDefault("browser.idle_timeout", "10s")
	v.SetDefault("browser.typing.enabled", true)
	v.SetDefault("browser.typing.key_pause_mean_ms", 70.0)
	v.SetDefault("browser.typing.key_pause_std_dev_ms", 28.0)
	v.SetDefault("browser.typing.key_pause_min_ms", 35.0)
	v.SetDefault("browser.typing.key_pause_max_ms", 400.0)
	v.SetDefault("browser.typing.ngram_factor_2", 0.7)
	v.SetDefault("browser.typing.ngram_factor_3", 0.55)
	v.SetDefault("browser.typing.word_pause_factor", 1.8)
	v.SetDefault("browser.typing.fatigue_increase", 0.005)
	v.SetDefault("browser.typing.fatigue_factor", 0.3)

	// -- Automation --
	v.SetDefault("automation.max_attempts", 3)
	v.SetDefault("automation.interaction_retries", 1)
	v.SetDefault("automation.validation_retries", 1)
	v.SetDefault("automation.max_steps", 5)
	v.SetDefault("automation.run_timeout", "5m")
	v.SetDefault("automation.locate_timeout", "20s")
	v.SetDefault("automation.locate_poll", "500ms")
	v.SetDefault("automation.retry_backoff", "2s")
	v.SetDefault("automation.screenshot_on_failure", true)
	v.SetDefault("automation.detection_strategy", StrategyRules)

	// -- Device --
	v.SetDefault("device.profile", "desktop-chrome")
	v.SetDefault("device.max_dismiss_attempts", 2)
	v.SetDefault("device.settle_delay", "0s")

	// -- Executor --
	v.SetDefault("executor.dismiss_every", 5)
	v.SetDefault("executor.submit_wait", "15s")
	v.SetDefault("executor.poll_interval", "500ms")
	v.SetDefault("executor.field_timeout", "20s")

	// -- Templates --
	v.SetDefault("templates.source", TemplateSourceFile)
	v.SetDefault("templates.dir", "templates")
	v.SetDefault("templates.cache", false)
	v.SetDefault("templates.cache_ttl", "10m")

	// -- Storage --
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// -- Queue --
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.key", "autoreg:jobs")
	v.SetDefault("queue.size", 256)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.per_host_interval", "5s")
	v.SetDefault("queue.pop_timeout", "5s")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")

	// -- Advisor --
	v.SetDefault("advisor.model", "gemini-2.5-flash")
	v.SetDefault("advisor.timeout", "30s")
	v.SetDefault("advisor.requests_per_minute", 30)
	v.SetDefault("advisor.max_candidates", 40)

	// -- Diagnostics --
	v.SetDefault("diagnostics.dir", "~/.autoreg/artifacts")
	v.SetDefault("diagnostics.compress_html", false)
	v.SetDefault("diagnostics.inline_html_bytes", 64*1024)
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("database.url", "AUTOREG_DATABASE_URL")
	v.BindEnv("redis.password", "AUTOREG_REDIS_PASSWORD")
	v.BindEnv("advisor.api_key", "AUTOREG_ADVISOR_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the SDK's conventional variable if nothing was bound.
	if cfg.AdvisorCfg.APIKey == "" {
		cfg.AdvisorCfg.APIKey = os.Getenv("GOOGLE_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.BrowserCfg.Engine {
	case EngineChromedp, EngineRod, EnginePlaywright, EnginePureGo:
	default:
		return fmt.Errorf("browser.engine must be one of chromedp, rod, playwright, purego (got %q)", c.BrowserCfg.Engine)
	}
	if err := c.AutomationCfg.Validate(); err != nil {
		return fmt.Errorf("automation configuration invalid: %w", err)
	}
	if c.DeviceCfg.MaxDismissAttempts < 0 {
		return fmt.Errorf("device.max_dismiss_attempts must not be negative")
	}
	if c.ExecutorCfg.SubmitWait <= 0 {
		return fmt.Errorf("executor.submit_wait must be positive")
	}
	switch c.TemplatesCfg.Source {
	case TemplateSourceNone, TemplateSourceFile:
	case TemplateSourcePostgres:
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("templates.source=postgres requires database.url")
		}
	default:
		return fmt.Errorf("templates.source must be one of none, file, postgres (got %q)", c.TemplatesCfg.Source)
	}
	switch c.QueueCfg.Backend {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("queue.backend must be memory or redis (got %q)", c.QueueCfg.Backend)
	}
	if c.QueueCfg.Workers <= 0 {
		return fmt.Errorf("queue.workers must be a positive integer")
	}
	if c.TelemetryCfg.SampleRatio < 0 || c.TelemetryCfg.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the retry policy and state machine bounds.
func (a *AutomationConfig) Validate() error {
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be a positive integer")
	}
	if a.InteractionRetries < 0 || a.ValidationRetries < 0 {
		return fmt.Errorf("interaction_retries and validation_retries must not be negative")
	}
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.LocateTimeout <= 0 {
		return fmt.Errorf("locate_timeout must be positive")
	}
	switch strings.ToLower(a.DetectionStrategy) {
	case StrategyRules, StrategyHybrid:
	default:
		return fmt.Errorf("detection_strategy must be rules or hybrid (got %q)", a.DetectionStrategy)
	}
	return nil
}

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a crew runtime. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	Name string `json:"name" env:"CREWFORGE_NAME"`
	ID   string `json:"id" env:"CREWFORGE_ID"`

	Scheduler   SchedulerConfig   `json:"scheduler"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Memory      MemoryConfig      `json:"memory"`
	Resilience  ResilienceConfig  `json:"resilience"`
	LLM         LLMConfig         `json:"llm"`
	Logging     LoggingConfig     `json:"logging"`
	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// SchedulerConfig controls the task scheduler's worker pool.
type SchedulerConfig struct {
	MaxConcurrency  int           `json:"max_concurrency" env:"CREWFORGE_MAX_CONCURRENCY" default:"4"`
	DefaultTimeout  time.Duration `json:"default_timeout" env:"CREWFORGE_DEFAULT_TIMEOUT" default:"60s"`
	DrainTimeout    time.Duration `json:"drain_timeout" env:"CREWFORGE_DRAIN_TIMEOUT" default:"30s"`
	QueueBufferSize int           `json:"queue_buffer_size" env:"CREWFORGE_QUEUE_BUFFER" default:"256"`
}

// RateLimitConfig controls the default request rate controller.
type RateLimitConfig struct {
	Enabled       bool          `json:"enabled" env:"CREWFORGE_RATE_LIMIT_ENABLED" default:"false"`
	Strategy      string        `json:"strategy" env:"CREWFORGE_RATE_LIMIT_STRATEGY" default:"token_bucket"`
	MaxRPM        int           `json:"max_rpm" env:"CREWFORGE_RATE_LIMIT_MAX_RPM" default:"60"`
	BurstSize     int           `json:"burst_size" env:"CREWFORGE_RATE_LIMIT_BURST" default:"10"`
	AdaptiveBackoff bool        `json:"adaptive_backoff" env:"CREWFORGE_RATE_LIMIT_ADAPTIVE" default:"true"`
	WaitTimeout   time.Duration `json:"wait_timeout" env:"CREWFORGE_RATE_LIMIT_WAIT_TIMEOUT" default:"10s"`
}

// MemoryConfig controls the memory subsystem.
type MemoryConfig struct {
	Provider          string        `json:"provider" env:"CREWFORGE_MEMORY_PROVIDER" default:"inmemory"`
	RedisURL          string        `json:"redis_url" env:"CREWFORGE_REDIS_URL,REDIS_URL"`
	BoltPath          string        `json:"bolt_path" env:"CREWFORGE_BOLT_PATH"`
	ShortTermMaxSize  int           `json:"short_term_max_size" env:"CREWFORGE_MEMORY_SHORT_TERM_SIZE" default:"500"`
	ShortTermTTL      time.Duration `json:"short_term_ttl" env:"CREWFORGE_MEMORY_SHORT_TERM_TTL" default:"1h"`
	LongTermTTL       time.Duration `json:"long_term_ttl" env:"CREWFORGE_MEMORY_LONG_TERM_TTL" default:"720h"`
	PruneSchedule     string        `json:"prune_schedule" env:"CREWFORGE_MEMORY_PRUNE_CRON" default:"@every 15m"`
	VectorCacheSize   int           `json:"vector_cache_size" env:"CREWFORGE_VECTOR_CACHE_SIZE" default:"256"`
	VectorCacheTTL    time.Duration `json:"vector_cache_ttl" env:"CREWFORGE_VECTOR_CACHE_TTL" default:"5m"`
}

// ResilienceConfig controls the retry/timeout harness defaults.
type ResilienceConfig struct {
	MaxAttempts   int           `json:"max_attempts" env:"CREWFORGE_RETRY_MAX_ATTEMPTS" default:"3"`
	BackoffKind   string        `json:"backoff_kind" env:"CREWFORGE_RETRY_BACKOFF" default:"exponential"`
	InitialDelay  time.Duration `json:"initial_delay" env:"CREWFORGE_RETRY_INITIAL_DELAY" default:"200ms"`
	MaxDelay      time.Duration `json:"max_delay" env:"CREWFORGE_RETRY_MAX_DELAY" default:"10s"`
	JitterEnabled bool          `json:"jitter_enabled" env:"CREWFORGE_RETRY_JITTER" default:"true"`
}

// LLMConfig configures the default LLM port implementation.
type LLMConfig struct {
	Provider    string        `json:"provider" env:"CREWFORGE_LLM_PROVIDER" default:"mock"`
	APIKey      string        `json:"api_key" env:"CREWFORGE_LLM_API_KEY,ANTHROPIC_API_KEY"`
	Model       string        `json:"model" env:"CREWFORGE_LLM_MODEL" default:"claude-3-5-sonnet-20241022"`
	Temperature float32       `json:"temperature" env:"CREWFORGE_LLM_TEMPERATURE" default:"0.7"`
	MaxTokens   int           `json:"max_tokens" env:"CREWFORGE_LLM_MAX_TOKENS" default:"2000"`
	Timeout     time.Duration `json:"timeout" env:"CREWFORGE_LLM_TIMEOUT" default:"60s"`
}

// LoggingConfig controls the production logger.
type LoggingConfig struct {
	Level      string `json:"level" env:"CREWFORGE_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"CREWFORGE_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"CREWFORGE_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig holds switches useful for local runs and tests.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"CREWFORGE_DEV_MODE" default:"false"`
	MockLLM      bool `json:"mock_llm" env:"CREWFORGE_MOCK_LLM" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"CREWFORGE_DEBUG" default:"false"`
}

// Option mutates a Config during construction.
type Option func(*Config) error

// DefaultConfig returns a Config with every field set to its documented default.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrency:  4,
			DefaultTimeout:  60 * time.Second,
			DrainTimeout:    30 * time.Second,
			QueueBufferSize: 256,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Strategy:        "token_bucket",
			MaxRPM:          60,
			BurstSize:       10,
			AdaptiveBackoff: true,
			WaitTimeout:     10 * time.Second,
		},
		Memory: MemoryConfig{
			Provider:         "inmemory",
			ShortTermMaxSize: 500,
			ShortTermTTL:     time.Hour,
			LongTermTTL:      30 * 24 * time.Hour,
			PruneSchedule:    "@every 15m",
			VectorCacheSize:  256,
			VectorCacheTTL:   5 * time.Minute,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:   3,
			BackoffKind:   "exponential",
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			JitterEnabled: true,
		},
		LLM: LLMConfig{
			Provider:    "mock",
			Model:       "claude-3-5-sonnet-20241022",
			Temperature: 0.7,
			MaxTokens:   2000,
			Timeout:     60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays CREWFORGE_* environment variables onto the Config.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CREWFORGE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("CREWFORGE_ID"); v != "" {
		c.ID = v
	}

	if v := os.Getenv("CREWFORGE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CREWFORGE_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.DefaultTimeout = d
		}
	}
	if v := os.Getenv("CREWFORGE_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.DrainTimeout = d
		}
	}
	if v := os.Getenv("CREWFORGE_QUEUE_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.QueueBufferSize = n
		}
	}

	if v := os.Getenv("CREWFORGE_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("CREWFORGE_RATE_LIMIT_STRATEGY"); v != "" {
		c.RateLimit.Strategy = v
	}
	if v := os.Getenv("CREWFORGE_RATE_LIMIT_MAX_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.MaxRPM = n
			c.RateLimit.Enabled = true
		}
	}
	if v := os.Getenv("CREWFORGE_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.BurstSize = n
		}
	}
	if v := os.Getenv("CREWFORGE_RATE_LIMIT_ADAPTIVE"); v != "" {
		c.RateLimit.AdaptiveBackoff = parseBool(v)
	}
	if v := os.Getenv("CREWFORGE_RATE_LIMIT_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateLimit.WaitTimeout = d
		}
	}

	if v := os.Getenv("CREWFORGE_MEMORY_PROVIDER"); v != "" {
		c.Memory.Provider = v
	}
	if v := os.Getenv("CREWFORGE_REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
		c.Memory.Provider = "redis"
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
		c.Memory.Provider = "redis"
	}
	if v := os.Getenv("CREWFORGE_BOLT_PATH"); v != "" {
		c.Memory.BoltPath = v
		c.Memory.Provider = "bolt"
	}
	if v := os.Getenv("CREWFORGE_MEMORY_SHORT_TERM_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.ShortTermMaxSize = n
		}
	}
	if v := os.Getenv("CREWFORGE_MEMORY_SHORT_TERM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Memory.ShortTermTTL = d
		}
	}
	if v := os.Getenv("CREWFORGE_MEMORY_LONG_TERM_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Memory.LongTermTTL = d
		}
	}
	if v := os.Getenv("CREWFORGE_MEMORY_PRUNE_CRON"); v != "" {
		c.Memory.PruneSchedule = v
	}
	if v := os.Getenv("CREWFORGE_VECTOR_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.VectorCacheSize = n
		}
	}
	if v := os.Getenv("CREWFORGE_VECTOR_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Memory.VectorCacheTTL = d
		}
	}

	if v := os.Getenv("CREWFORGE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.MaxAttempts = n
		}
	}
	if v := os.Getenv("CREWFORGE_RETRY_BACKOFF"); v != "" {
		c.Resilience.BackoffKind = v
	}
	if v := os.Getenv("CREWFORGE_RETRY_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Resilience.InitialDelay = d
		}
	}
	if v := os.Getenv("CREWFORGE_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Resilience.MaxDelay = d
		}
	}
	if v := os.Getenv("CREWFORGE_RETRY_JITTER"); v != "" {
		c.Resilience.JitterEnabled = parseBool(v)
	}

	if v := os.Getenv("CREWFORGE_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("CREWFORGE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
		c.LLM.Provider = "anthropic"
	} else if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.APIKey = v
		c.LLM.Provider = "anthropic"
	}
	if v := os.Getenv("CREWFORGE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("CREWFORGE_LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.LLM.Temperature = float32(f)
		}
	}
	if v := os.Getenv("CREWFORGE_LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("CREWFORGE_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LLM.Timeout = d
		}
	}

	if v := os.Getenv("CREWFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CREWFORGE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CREWFORGE_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}

	if v := os.Getenv("CREWFORGE_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
	}
	if v := os.Getenv("CREWFORGE_MOCK_LLM"); v != "" {
		c.Development.MockLLM = parseBool(v)
	}
	if v := os.Getenv("CREWFORGE_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}

	return nil
}

// LoadCrewFile reads a YAML crew/agent/task definition file. Structure is
// left to the caller (crew.Definition); this just decodes the document.
func LoadCrewFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewFrameworkError("core.LoadCrewFile", KindConfiguration, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return NewFrameworkError("core.LoadCrewFile", KindConfiguration, err)
	}
	return nil
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrency < 1 {
		return NewFrameworkError("core.Validate", KindConfiguration,
			fmt.Errorf("scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency))
	}
	if c.RateLimit.MaxRPM < 1 {
		return NewFrameworkError("core.Validate", KindConfiguration,
			fmt.Errorf("rate_limit.max_rpm must be >= 1, got %d", c.RateLimit.MaxRPM))
	}
	switch c.Memory.Provider {
	case "inmemory", "redis", "bolt":
	case "disk", "hybrid":
		return NewFrameworkError("core.Validate", KindConfiguration,
			fmt.Errorf("memory provider %q is reserved and not yet implemented", c.Memory.Provider))
	default:
		return NewFrameworkError("core.Validate", KindConfiguration,
			fmt.Errorf("unknown memory provider %q", c.Memory.Provider))
	}
	return nil
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

// WithName sets the crew/runtime name.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithMaxConcurrency sets the scheduler's worker pool size.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return NewFrameworkError("core.WithMaxConcurrency", KindConfiguration,
				fmt.Errorf("max concurrency must be >= 1, got %d", n))
		}
		c.Scheduler.MaxConcurrency = n
		return nil
	}
}

// WithRateLimit enables the rate controller with the given strategy and cap.
func WithRateLimit(strategy string, maxRPM int) Option {
	return func(c *Config) error {
		c.RateLimit.Enabled = true
		c.RateLimit.Strategy = strategy
		c.RateLimit.MaxRPM = maxRPM
		return nil
	}
}

// WithRedisMemory configures Redis as the long-term memory backend.
func WithRedisMemory(url string) Option {
	return func(c *Config) error {
		c.Memory.Provider = "redis"
		c.Memory.RedisURL = url
		return nil
	}
}

// WithBoltMemory configures an embedded BoltDB file as the long-term memory backend.
func WithBoltMemory(path string) Option {
	return func(c *Config) error {
		c.Memory.Provider = "bolt"
		c.Memory.BoltPath = path
		return nil
	}
}

// WithLLM configures the default LLM provider and credentials.
func WithLLM(provider, apiKey, model string) Option {
	return func(c *Config) error {
		c.LLM.Provider = provider
		c.LLM.APIKey = apiKey
		if model != "" {
			c.LLM.Model = model
		}
		return nil
	}
}

// WithLogLevel overrides the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogger injects a pre-built logger instead of constructing one from LoggingConfig.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithDevelopmentMode enables debug logging and a mock LLM client.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		c.Development.MockLLM = enabled
		if enabled {
			c.Development.DebugLogging = true
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// NewConfig builds a Config from defaults, then environment variables, then
// functional options, in that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.Name)
	}
	return c, nil
}

// Logger returns the configuration's resolved logger, building one from
// LoggingConfig if none was injected via WithLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.Name)
	}
	return c.logger
}

// ProductionLogger is a JSON (or human-readable) structured logger with
// optional component tagging and metrics emission via the global
// MetricsRegistry.
type ProductionLogger struct {
	level          string
	debug          bool
	serviceName    string
	component      string
	format         string
	output         io.Writer
	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	logger := &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		component:   "framework/core",
		format:      logging.Format,
		output:      output,
	}
	trackLogger(logger)
	return logger
}

// WithComponent returns a logger that tags every entry with component,
// sharing the same output/format/level configuration.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// EnableMetrics is called by the telemetry package to enable metrics emission.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": p.component,
			"message":   msg,
		}
		if ctx != nil {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fmt.Fprintf(&fieldStr, "%s=%v ", k, v)
			}
		}
		fmt.Fprintf(p.output, "%s [%s] [%s/%s] %s%s\n",
			timestamp, level, p.serviceName, p.component, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{"level", level, "service", p.serviceName, "component", p.component}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_kind", "task_id", "agent":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	if ctx != nil {
		emitMetricWithContext(ctx, "crewforge.framework.events", 1.0, labels...)
	} else {
		emitMetric("crewforge.framework.events", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}

// Package config loads service configuration from a YAML file and CUTOFF_*
// environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/engine"
	"cutoff-lab/internal/execution"
	"cutoff-lab/internal/orchestrator"
	"cutoff-lab/internal/probe"
	"cutoff-lab/internal/search"
	"cutoff-lab/internal/storage"
)

// EnvPrefix is prepended to every environment override, e.g. CUTOFF_ENGINE_BASE_URL.
const EnvPrefix = "CUTOFF"

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Log          LogConfig          `mapstructure:"log"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Probe        ProbeConfig        `mapstructure:"probe"`
	Search       SearchConfig       `mapstructure:"search"`
	Store        StoreConfig        `mapstructure:"store"`
	History      HistoryConfig      `mapstructure:"history"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Server       ServerConfig       `mapstructure:"server"`
	Cron         CronConfig         `mapstructure:"cron"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Targets      []TargetConfig     `mapstructure:"targets"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type EngineConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type ExecutionConfig struct {
	StartDelay    time.Duration `mapstructure:"start_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`
}

type ProbeConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MinWindow           string        `mapstructure:"min_window"`
	InsufficientMarkers []string      `mapstructure:"insufficient_markers"`
}

// SearchConfig spans accept the units of ParseSpan (e.g. "36mo", "1w", "24h").
type SearchConfig struct {
	Ceiling   string   `mapstructure:"ceiling"`
	Steps     []string `mapstructure:"steps"`
	Precision string   `mapstructure:"precision"`
	MaxProbes int      `mapstructure:"max_probes"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory, postgres or redis
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPass   string `mapstructure:"redis_password"`
	RedisDB     int    `mapstructure:"redis_db"`
	StaleAfter  string `mapstructure:"stale_after"`
}

type HistoryConfig struct {
	Driver        string `mapstructure:"driver"` // none, memory or clickhouse
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
	Database      string `mapstructure:"database"`
}

type OrchestratorConfig struct {
	TradeNotional       string `mapstructure:"trade_notional"`
	PreconditionRetries int    `mapstructure:"precondition_retries"`
	SkipFinalize        bool   `mapstructure:"skip_finalize"`
	Force               bool   `mapstructure:"force"`
	QueueSize           int    `mapstructure:"queue_size"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type CronConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Rediscover string `mapstructure:"rediscover"`
}

type MetricsConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// TargetConfig is one lab to discover. Market is a canonical key such as
// BINANCE_BTC_USDT.
type TargetConfig struct {
	LabID      string `mapstructure:"lab_id"`
	TemplateID string `mapstructure:"template_id"`
	Market     string `mapstructure:"market"`
	ScriptID   string `mapstructure:"script_id"`
	AccountID  string `mapstructure:"account_id"`
	Name       string `mapstructure:"name"`
}

// Load reads path (unless envOnly) on top of the defaults, then applies
// environment overrides.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)

	v.SetDefault("engine.base_url", "http://localhost:8090/api")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.timeout", "30s")
	v.SetDefault("engine.max_retries", engine.DefaultMaxRetries)
	v.SetDefault("engine.retry_delay", "1s")

	v.SetDefault("execution.start_delay", "5s")
	v.SetDefault("execution.poll_interval", "5s")
	v.SetDefault("execution.max_wait", "10m")
	v.SetDefault("execution.cancel_timeout", "1m")

	v.SetDefault("probe.max_retries", 1)
	v.SetDefault("probe.retry_delay", "0s")
	v.SetDefault("probe.min_window", "1d")
	v.SetDefault("probe.insufficient_markers", probe.DefaultInsufficientMarkers)

	v.SetDefault("search.ceiling", "36mo")
	v.SetDefault("search.steps", []string{"1mo", "1w", "1d"})
	v.SetDefault("search.precision", "24h")
	v.SetDefault("search.max_probes", 20)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.stale_after", "30d")

	v.SetDefault("history.driver", "memory")
	v.SetDefault("history.clickhouse_dsn", "")
	v.SetDefault("history.database", "")

	v.SetDefault("orchestrator.trade_notional", "1000")
	v.SetDefault("orchestrator.precondition_retries", orchestrator.DefaultPreconditionRetries)
	v.SetDefault("orchestrator.skip_finalize", false)
	v.SetDefault("orchestrator.force", false)
	v.SetDefault("orchestrator.queue_size", orchestrator.DefaultQueueSize)

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.rediscover", "@every 24h")

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "cutoff_lab")
}

// ParseSpan parses a duration that may use the calendar units of the search
// schedule: "mo" (30 days), "w" and "d". Anything else goes to time.ParseDuration.
func ParseSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"mo", domain.Month},
		{"w", domain.Week},
		{"d", domain.Day},
	}
	for _, u := range units {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, u.suffix))
		if err != nil {
			return 0, fmt.Errorf("parse span %q: %w", s, err)
		}
		return time.Duration(n) * u.unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse span %q: %w", s, err)
	}
	return d, nil
}

// Schedule converts the search section into a validated schedule.
func (c Config) Schedule() (search.Schedule, error) {
	ceiling, err := ParseSpan(c.Search.Ceiling)
	if err != nil {
		return search.Schedule{}, fmt.Errorf("search.ceiling: %w", err)
	}
	precision, err := ParseSpan(c.Search.Precision)
	if err != nil {
		return search.Schedule{}, fmt.Errorf("search.precision: %w", err)
	}
	minWindow, err := ParseSpan(c.Probe.MinWindow)
	if err != nil {
		return search.Schedule{}, fmt.Errorf("probe.min_window: %w", err)
	}

	steps := make([]time.Duration, 0, len(c.Search.Steps))
	for i, s := range c.Search.Steps {
		d, err := ParseSpan(s)
		if err != nil {
			return search.Schedule{}, fmt.Errorf("search.steps[%d]: %w", i, err)
		}
		steps = append(steps, d)
	}

	sched := search.Schedule{
		Ceiling:   ceiling,
		Steps:     steps,
		Precision: precision,
		MaxProbes: c.Search.MaxProbes,
		MinWindow: minWindow,
	}
	if err := sched.Validate(); err != nil {
		return search.Schedule{}, err
	}
	return sched, nil
}

// RetryPolicy returns the probe retry policy.
func (c Config) RetryPolicy() probe.RetryPolicy {
	return probe.RetryPolicy{
		MaxRetries: c.Probe.MaxRetries,
		Delay:      c.Probe.RetryDelay,
	}
}

// Classifier returns the probe classifier with the configured markers.
func (c Config) Classifier() probe.Classifier {
	if len(c.Probe.InsufficientMarkers) == 0 {
		return probe.DefaultClassifier()
	}
	return probe.Classifier{InsufficientMarkers: c.Probe.InsufficientMarkers}
}

// ExecutionParams returns the polling parameters of the execution machines.
func (c Config) ExecutionParams() execution.Config {
	return execution.Config{
		StartDelay:    c.Execution.StartDelay,
		PollInterval:  c.Execution.PollInterval,
		MaxWait:       c.Execution.MaxWait,
		CancelTimeout: c.Execution.CancelTimeout,
	}
}

// ReplacePolicy returns the store replace policy. A nil now uses the wall clock.
func (c Config) ReplacePolicy(now func() time.Time) (storage.ReplacePolicy, error) {
	stale, err := ParseSpan(c.Store.StaleAfter)
	if err != nil {
		return storage.ReplacePolicy{}, fmt.Errorf("store.stale_after: %w", err)
	}
	return storage.ReplacePolicy{StaleAfter: stale, Now: now}, nil
}

// TradeNotional parses the finalization notional.
func (c Config) TradeNotional() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Orchestrator.TradeNotional)
	if err != nil {
		return decimal.Zero, fmt.Errorf("orchestrator.trade_notional: %w", err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("orchestrator.trade_notional: must be positive, got %s", d)
	}
	return d, nil
}

// DiscoveryTargets converts the targets section.
func (c Config) DiscoveryTargets() ([]orchestrator.Target, error) {
	targets := make([]orchestrator.Target, 0, len(c.Targets))
	for i, t := range c.Targets {
		market, err := domain.ParseMarket(t.Market)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		if t.LabID == "" && t.TemplateID == "" {
			return nil, fmt.Errorf("targets[%d]: lab_id or template_id required", i)
		}
		targets = append(targets, orchestrator.Target{
			LabID:      t.LabID,
			TemplateID: t.TemplateID,
			Market:     market,
			ScriptID:   t.ScriptID,
			AccountID:  t.AccountID,
			Name:       t.Name,
		})
	}
	return targets, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutoff-lab/internal/domain"
	"cutoff-lab/internal/search"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "@every 24h", cfg.Cron.Rediscover)
	assert.Equal(t, 5*time.Second, cfg.Execution.StartDelay)
	assert.Equal(t, 10*time.Minute, cfg.Execution.MaxWait)

	sched, err := cfg.Schedule()
	require.NoError(t, err)
	assert.Equal(t, search.DefaultSchedule(), sched)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 1, policy.MaxRetries)

	notional, err := cfg.TradeNotional()
	require.NoError(t, err)
	assert.True(t, notional.Equal(decimal.NewFromInt(1000)))

	replace, err := cfg.ReplacePolicy(nil)
	require.NoError(t, err)
	assert.Equal(t, 30*domain.Day, replace.StaleAfter)

	assert.NotEmpty(t, cfg.Classifier().InsufficientMarkers)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
log:
  level: debug
  encoding: json
engine:
  base_url: https://engine.example.com/api
  timeout: 10s
search:
  ceiling: 12mo
  steps: ["2w", "1d", "6h"]
  precision: 6h
store:
  driver: postgres
  postgres_dsn: postgres://localhost/cutoffs
targets:
  - lab_id: lab-1
    market: BINANCE_BTC_USDT
    name: btc trend
  - template_id: tpl-1
    market: BYBIT_ETH_USDT
    account_id: acc-2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CUTOFF_SEARCH_MAX_PROBES", "30")
	t.Setenv("CUTOFF_ORCHESTRATOR_TRADE_NOTIONAL", "250.5")

	cfg, err := Load(path, false)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Encoding)
	assert.Equal(t, "https://engine.example.com/api", cfg.Engine.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, "postgres", cfg.Store.Driver)

	sched, err := cfg.Schedule()
	require.NoError(t, err)
	assert.Equal(t, 12*domain.Month, sched.Ceiling)
	assert.Equal(t, []time.Duration{2 * domain.Week, domain.Day, 6 * time.Hour}, sched.Steps)
	assert.Equal(t, 6*time.Hour, sched.Precision)
	assert.Equal(t, 30, sched.MaxProbes)

	notional, err := cfg.TradeNotional()
	require.NoError(t, err)
	assert.Equal(t, "250.5", notional.String())

	targets, err := cfg.DiscoveryTargets()
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "lab-1", targets[0].LabID)
	assert.Equal(t, domain.NewMarket("binance", "btc", "usdt"), targets[0].Market)
	assert.Equal(t, "tpl-1", targets[1].TemplateID)
	assert.Equal(t, "acc-2", targets[1].AccountID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), false)
	assert.Error(t, err)
}

func TestParseSpan(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"36mo", 36 * domain.Month, false},
		{"2w", 2 * domain.Week, false},
		{"1d", domain.Day, false},
		{"24h", 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{" 3d ", 3 * domain.Day, false},
		{"xmo", 0, true},
		{"week", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSpan(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseSpan(%q)", tt.in)
			continue
		}
		if assert.NoError(t, err, "ParseSpan(%q)", tt.in) {
			assert.Equal(t, tt.want, got, "ParseSpan(%q)", tt.in)
		}
	}
}

func TestConfig_InvalidValues(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)

	bad := cfg
	bad.Search.Steps = []string{"1d", "1w"}
	_, err = bad.Schedule()
	assert.ErrorIs(t, err, search.ErrInvalidSchedule)

	bad = cfg
	bad.Orchestrator.TradeNotional = "-5"
	_, err = bad.TradeNotional()
	assert.Error(t, err)

	bad = cfg
	bad.Targets = []TargetConfig{{Market: "BINANCE_BTC_USDT"}}
	_, err = bad.DiscoveryTargets()
	assert.Error(t, err, "target without lab or template")

	bad.Targets = []TargetConfig{{LabID: "lab-1", Market: "btcusdt"}}
	_, err = bad.DiscoveryTargets()
	assert.Error(t, err, "malformed market")
}

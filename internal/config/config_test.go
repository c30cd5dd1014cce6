package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{"CONFIG_PATH", "PORT", "DATABASE_PATH", "JWT_SECRET", "REDIS_ADDR", "STEP_UP_THRESHOLD", "DISPATCH_WORKERS"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Orders.DefaultTTL)
	assert.True(t, cfg.StepUpThreshold().Equal(decimal.NewFromInt(10_000)))
	assert.True(t, cfg.DryRunFeeRate().Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.PriceTTL)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: "9000"
database:
  path: /tmp/orders.db
orders:
  step_up_threshold: "5000"
  default_ttl: 2h
monitor:
  interval: 30s
redis:
  addr: localhost:6379
`)
	t.Setenv("PORT", "9100")
	t.Setenv("STEP_UP_THRESHOLD", "2500.50")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port, "env wins over file")
	assert.Equal(t, "/tmp/orders.db", cfg.Database.Path)
	assert.True(t, cfg.StepUpThreshold().Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, 2*time.Hour, cfg.Orders.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval, "unset keys keep defaults")
}

func TestLoad_ConfigPathEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "dispatcher:\n  workers: 8\n")
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Dispatcher.Workers)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "malformed yaml", body: "server: [oops"},
		{name: "bad port", body: "server:\n  port: http\n"},
		{name: "zero threshold", env: map[string]string{"STEP_UP_THRESHOLD": "0"}},
		{name: "fee rate of one", body: "orders:\n  dry_run_fee_rate: \"1\"\n"},
		{name: "bad worker count", env: map[string]string{"DISPATCH_WORKERS": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceTOML = `
[server]
listen = "127.0.0.1:9000"
shutdown_timeout = "5s"

[catalog]
paths = ["catalog/"]

[store]
path = "data/goalflow.db"
prune_after = "72h"

[policy]
dir = "policies"
watch = true
enable = ["staging-main-approval"]

[telemetry]
log_level = "debug"
log_format = "console"
tracing_enabled = true
tracing_exporter = "otlp"
tracing_endpoint = "otel:4317"
sampling_rate = 0.25

[[executors]]
goal = "build"
kind = "ssh"
host = "builder.internal"
user = "ci"
key_path = "keys/id_ed25519"
command = "make build"
timeout = "10m"

[[executors]]
goal = "lint"
kind = "wasm"
module = "modules/lint.wasm"
args = ["--strict"]
env = { LINT_LEVEL = "2" }

[[executors]]
goal = "deployToProduction"
kind = "side_effect"
timeout = 3600
`

func TestParseServiceConfig(t *testing.T) {
	cfg, err := ParseServiceConfig("goalflow.toml", []byte(serviceTOML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Equal(t, []string{"catalog/"}, cfg.Catalog.Paths)
	assert.Equal(t, 30*time.Second, cfg.Catalog.ConditionTimeout.Std(), "default kept")
	assert.Equal(t, 72*time.Hour, cfg.Store.PruneAfter.Std())
	assert.Equal(t, 4, cfg.Store.MaxOpenConns, "default kept")
	assert.Equal(t, 8, cfg.Engine.MaxParallel, "default kept")
	assert.Equal(t, 2, cfg.Engine.HostConcurrency, "default kept")
	assert.True(t, cfg.Policy.Watch)
	assert.Equal(t, []string{"staging-main-approval"}, cfg.Policy.Enable)

	require.Len(t, cfg.Executors, 3)
	assert.Equal(t, ExecutorSSH, cfg.Executors[0].Kind)
	assert.Equal(t, 10*time.Minute, cfg.Executors[0].Timeout.Std())
	assert.Equal(t, []string{"--strict"}, cfg.Executors[1].Args)
	assert.Equal(t, map[string]string{"LINT_LEVEL": "2"}, cfg.Executors[1].Env)
	assert.Equal(t, time.Hour, cfg.Executors[2].Timeout.Std())
}

func TestParseServiceConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{name: "no catalog", toml: "[server]\nlisten = \":8080\"\n"},
		{name: "unknown key", toml: "[catalog]\npaths = [\"c\"]\n[server]\nport = 8080\n"},
		{name: "syntax error", toml: "[catalog\npaths = []\n"},
		{name: "bad listen address", toml: "[server]\nlisten = \"nowhere\"\n[catalog]\npaths = [\"c\"]\n"},
		{name: "bad log level", toml: "[catalog]\npaths = [\"c\"]\n[telemetry]\nlog_level = \"loud\"\n"},
		{name: "bad sampling rate", toml: "[catalog]\npaths = [\"c\"]\n[telemetry]\nsampling_rate = 2.0\n"},
		{name: "ssh without host", toml: "[catalog]\npaths = [\"c\"]\n[[executors]]\ngoal = \"build\"\nkind = \"ssh\"\ncommand = \"make\"\n"},
		{name: "wasm without module", toml: "[catalog]\npaths = [\"c\"]\n[[executors]]\ngoal = \"lint\"\nkind = \"wasm\"\n"},
		{name: "unknown kind", toml: "[catalog]\npaths = [\"c\"]\n[[executors]]\ngoal = \"lint\"\nkind = \"lambda\"\n"},
		{name: "bad duration", toml: "[catalog]\npaths = [\"c\"]\n[server]\nshutdown_timeout = \"soon\"\n"},
		{
			name: "goal bound twice",
			toml: "[catalog]\npaths = [\"c\"]\n" +
				"[[executors]]\ngoal = \"deploy\"\nkind = \"side_effect\"\n" +
				"[[executors]]\ngoal = \"deploy\"\nkind = \"side_effect\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServiceConfig("goalflow.toml", []byte(tt.toml))
			assert.Error(t, err)
		})
	}
}

func TestLoadServiceConfig_ResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goalflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(serviceTOML), 0o644))

	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "catalog"), filepath.Clean(cfg.Catalog.Paths[0]))
	assert.Equal(t, filepath.Join(dir, "data", "goalflow.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dir, "policies"), cfg.Policy.Dir)
	assert.Equal(t, filepath.Join(dir, "keys", "id_ed25519"), cfg.Executors[0].KeyPath)
	assert.Equal(t, filepath.Join(dir, "modules", "lint.wasm"), cfg.Executors[1].Module)

	_, err = LoadServiceConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestServiceConfig_TelemetryConfig(t *testing.T) {
	cfg, err := ParseServiceConfig("goalflow.toml", []byte(serviceTOML))
	require.NoError(t, err)

	tel := cfg.TelemetryConfig("1.2.3")
	require.NoError(t, tel.Validate())
	assert.Equal(t, "1.2.3", tel.ServiceVersion)
	assert.Equal(t, "debug", tel.Logging.Level)
	assert.Equal(t, "console", tel.Logging.Format)
	assert.True(t, tel.Tracing.Enabled)
	assert.Equal(t, "otlp", tel.Tracing.Exporter)
	assert.Equal(t, "otel:4317", tel.Tracing.Endpoint)
	assert.Equal(t, 0.25, tel.Tracing.SamplingRate)
	assert.True(t, tel.Metrics.Enabled)

	disabled := false
	cfg.Telemetry.TracingEnabled = false
	cfg.Telemetry.MetricsEnabled = &disabled
	tel = cfg.TelemetryConfig("1.2.3")
	assert.Equal(t, "none", tel.Tracing.Exporter)
	assert.False(t, tel.Metrics.Enabled)
}

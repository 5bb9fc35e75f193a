package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/stores"
	"github.com/openfroyo/taskorch/pkg/worker"
)

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := LoadAppConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, stores.KindMemory, cfg.Store.Kind)
	assert.Equal(t, engine.DefaultProcessEventAddress, cfg.Dispatcher.ProcessEventAddress)
	assert.Equal(t, engine.DefaultUnroutableAddress, cfg.Dispatcher.UnroutableAddress)
	assert.Equal(t, uint64(3), cfg.Dispatcher.PersistRetries)
	assert.Equal(t, 30*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, DefaultReloadDelay, cfg.Specs.ReloadDelay)
	assert.Equal(t, "info", cfg.Telemetry.Logging.Level)
}

func TestLoadAppConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "taskorch.yaml", `store:
  kind: sqlite
  sqlite:
    path: /var/lib/taskorch/state.db
dispatcher:
  serialize_roots: true
  persist_retries: 5
  worker_routes:
    ETL_SERVICE:
      address: workers.etl
specs:
  paths: [specs/]
  watch: true
bus:
  request_timeout: 2s
workers:
  - address: workers.etl
    command: [etl-worker, --batch]
    timeout: 1m
`)

	cfg, err := LoadAppConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, stores.KindSQLite, cfg.Store.Kind)
	assert.Equal(t, "/var/lib/taskorch/state.db", cfg.Store.SQLite.Path)
	assert.True(t, cfg.Dispatcher.SerializeRoots)
	assert.Equal(t, uint64(5), cfg.Dispatcher.PersistRetries)
	assert.Equal(t, map[string]engine.Destination{"ETL_SERVICE": {Address: "workers.etl"}}, cfg.Dispatcher.WorkerRoutes)
	assert.Equal(t, []string{"specs/"}, cfg.Specs.Paths)
	assert.True(t, cfg.Specs.Watch)
	assert.Equal(t, 2*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, []worker.Config{
		{Address: "workers.etl", Command: []string{"etl-worker", "--batch"}, Timeout: time.Minute},
	}, cfg.Workers)

	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Bus.Workers)
	assert.Equal(t, engine.DefaultCloseTaskAddress, cfg.Dispatcher.CloseTaskAddress)
}

func TestLoadAppConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "taskorch.yaml", `store:
  kind: sqlite
  sqlite:
    path: from-file.db
api:
  listen_address: ":8080"
`)

	t.Setenv("TASKORCH_STORE_SQLITE_PATH", "from-env.db")
	t.Setenv("TASKORCH_API_LISTEN_ADDRESS", ":9090")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse([]string{"--listen", ":7070", "--specs", "a.yaml,b.yaml"}))

	cfg, err := LoadAppConfig(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Store.SQLite.Path)
	assert.Equal(t, ":7070", cfg.API.ListenAddress)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Specs.Paths)
	assert.Equal(t, stores.KindSQLite, cfg.Store.Kind)
}

func TestLoadAppConfigInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "unknown store kind",
			content: "store:\n  kind: postgres\n",
			wantMsg: "invalid configuration",
		},
		{
			name:    "missing dispatcher address",
			content: "dispatcher:\n  close_task_address: \"\"\n",
			wantMsg: "invalid configuration",
		},
		{
			name:    "worker without command",
			content: "workers:\n  - address: workers.etl\n",
			wantMsg: "invalid configuration",
		},
		{
			name:    "bad log level",
			content: "telemetry:\n  logging:\n    level: loud\n",
			wantMsg: "invalid telemetry configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".yaml", tt.content)
			_, err := LoadAppConfig(path, nil)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}

	_, err := LoadAppConfig(dir+"/missing.yaml", nil)
	assert.ErrorContains(t, err, "failed to read config file")
}

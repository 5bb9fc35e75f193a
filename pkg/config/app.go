package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/taskorch/pkg/bus"
	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/stores"
	"github.com/openfroyo/taskorch/pkg/telemetry"
	"github.com/openfroyo/taskorch/pkg/worker"
)

// EnvPrefix prefixes environment variables overriding configuration keys,
// e.g. TASKORCH_STORE_SQLITE_PATH for store.sqlite.path.
const EnvPrefix = "TASKORCH"

// AppConfig is the configuration of the taskorch service.
type AppConfig struct {
	Store      stores.OpenConfig `mapstructure:"store" yaml:"store"`
	Bus        bus.Config        `mapstructure:"bus" yaml:"bus"`
	Dispatcher engine.Config     `mapstructure:"dispatcher" yaml:"dispatcher"`
	API        APIConfig         `mapstructure:"api" yaml:"api"`
	Specs      SpecsConfig       `mapstructure:"specs" yaml:"specs"`
	Policy     PolicyConfig      `mapstructure:"policy" yaml:"policy"`
	Adapters   AdaptersConfig    `mapstructure:"adapters" yaml:"adapters"`
	Workers    []worker.Config   `mapstructure:"workers" yaml:"workers" validate:"dive"`
	Telemetry  telemetry.Config  `mapstructure:"telemetry" yaml:"telemetry"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	// ListenAddress is the address the API listens on. Empty disables it.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// ShutdownTimeout bounds graceful shutdown of the listener.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SpecsConfig configures where spec trees are loaded from.
type SpecsConfig struct {
	Paths       []string      `mapstructure:"paths" yaml:"paths"`
	Watch       bool          `mapstructure:"watch" yaml:"watch"`
	ReloadDelay time.Duration `mapstructure:"reload_delay" yaml:"reload_delay"`
}

// PolicyConfig configures event admission policies.
type PolicyConfig struct {
	// Enabled turns on event admission.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Paths are Rego files or directories added to the built-in policies.
	Paths []string `mapstructure:"paths" yaml:"paths"`

	// Watch reloads the policy files when they change.
	Watch bool `mapstructure:"watch" yaml:"watch"`

	// DisableBuiltins drops the built-in policies.
	DisableBuiltins bool `mapstructure:"disable_builtins" yaml:"disable_builtins"`
}

// AdaptersConfig configures inbound message adapters.
type AdaptersConfig struct {
	// Scripts are Starlark files converting raw messages to events.
	Scripts []string `mapstructure:"scripts" yaml:"scripts"`

	// Timeout bounds a single script call.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultAppConfig returns the default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Store: stores.OpenConfig{
			Kind: stores.KindMemory,
			SQLite: stores.Config{
				Path:            "taskorch.db",
				MaxOpenConns:    4,
				MaxIdleConns:    2,
				ConnMaxLifetime: time.Hour,
			},
		},
		Bus:        bus.DefaultConfig(),
		Dispatcher: engine.DefaultConfig(),
		API: APIConfig{
			ShutdownTimeout: 10 * time.Second,
		},
		Specs: SpecsConfig{
			ReloadDelay: DefaultReloadDelay,
		},
		Adapters: AdaptersConfig{
			Timeout: 5 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// flagKeys maps the flags registered by BindFlags to configuration keys.
var flagKeys = map[string]string{
	"store":           "store.kind",
	"db":              "store.sqlite.path",
	"listen":          "api.listen_address",
	"specs":           "specs.paths",
	"watch":           "specs.watch",
	"policy":          "policy.paths",
	"adapter":         "adapters.scripts",
	"serialize-roots": "dispatcher.serialize_roots",
	"log-level":       "telemetry.logging.level",
	"log-format":      "telemetry.logging.format",
}

// BindFlags registers the configuration flags on flags.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("store", "", "store kind (memory, sqlite)")
	flags.String("db", "", "SQLite database path")
	flags.String("listen", "", "HTTP API listen address")
	flags.StringSlice("specs", nil, "spec files or directories")
	flags.Bool("watch", false, "reload specs when files change")
	flags.StringSlice("policy", nil, "Rego admission policy files or directories")
	flags.StringSlice("adapter", nil, "Starlark adapter scripts")
	flags.Bool("serialize-roots", false, "serialize work per hierarchy root")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format (console, json)")
}

// LoadAppConfig builds the configuration from, in increasing precedence,
// the defaults, the file at path, TASKORCH_* environment variables and
// changed flags. path and flags are optional.
func LoadAppConfig(path string, flags *pflag.FlagSet) (*AppConfig, error) {
	defaults, err := yaml.Marshal(DefaultAppConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	v := viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")))
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// viper lowercases map keys; route names are case sensitive.
	if path != "" {
		routes, err := readWorkerRoutes(path)
		if err != nil {
			return nil, err
		}
		if routes != nil {
			cfg.Dispatcher.WorkerRoutes = routes
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readWorkerRoutes(path string) (map[string]engine.Destination, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var doc struct {
		Dispatcher struct {
			WorkerRoutes map[string]engine.Destination `yaml:"worker_routes"`
		} `yaml:"dispatcher"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return doc.Dispatcher.WorkerRoutes, nil
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Kind == stores.KindSQLite && c.Store.SQLite.Path == "" {
		return fmt.Errorf("invalid configuration: sqlite store requires a path")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

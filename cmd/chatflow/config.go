package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/gateway"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/scheduler"
)

// envPrefix namespaces environment overrides: store.driver is read from
// CHATFLOW_STORE_DRIVER.
const envPrefix = "CHATFLOW"

// Config holds all chatflow configuration.
// Priority: env vars (including .env) > settings file > defaults.
type Config struct {
	Store       StoreConfig         `mapstructure:"store"`
	Engine      engine.Config       `mapstructure:"engine"`
	Lock        LockConfig          `mapstructure:"lock"`
	Gateway     GatewayConfig       `mapstructure:"gateway"`
	Definitions DefinitionsConfig   `mapstructure:"definitions"`
	Triggers    []scheduler.Trigger `mapstructure:"triggers" validate:"dive"`
	Scheduler   SchedulerConfig     `mapstructure:"scheduler"`
	Log         logging.Config      `mapstructure:"log"`
	Metrics     MetricsConfig       `mapstructure:"metrics"`
	MCP         MCPConfig           `mapstructure:"mcp"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=libsql postgres memory"`
	Path   string `mapstructure:"path" validate:"required_if=Driver libsql"`
	DSN    string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
}

type LockConfig struct {
	Driver    string        `mapstructure:"driver" validate:"oneof=local redis"`
	RedisAddr string        `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// GatewayConfig configures outbound delivery and integrations. Without a
// webhook URL, messages are logged (or sent to MCP clients under serve).
type GatewayConfig struct {
	WebhookURL   string                         `mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout      time.Duration                  `mapstructure:"timeout" validate:"gte=0"`
	Retry        gateway.RetryPolicy            `mapstructure:",squash"`
	Breaker      gateway.BreakerConfig          `mapstructure:"breaker"`
	Capabilities []gateway.HTTPCapabilityConfig `mapstructure:"capabilities" validate:"dive"`
}

type DefinitionsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// MCPConfig selects the MCP transport: stdio when Addr is empty, SSE over
// HTTP otherwise.
type MCPConfig struct {
	Addr string `mapstructure:"addr"`
}

func chatflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatflow"
	}
	return filepath.Join(home, ".chatflow")
}

func setDefaults(v *viper.Viper) {
	retry := gateway.DefaultRetryPolicy()
	breaker := gateway.DefaultBreakerConfig()
	eng := engine.DefaultConfig()

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", filepath.Join(chatflowDir(), "chatflow.db"))
	v.SetDefault("store.dsn", "")
	v.SetDefault("engine.max_steps", eng.MaxSteps)
	v.SetDefault("engine.integration_timeout", eng.IntegrationTimeout)
	v.SetDefault("engine.cache_size", eng.GraphCacheSize)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("gateway.webhook_url", "")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("gateway.retries", retry.MaxRetries)
	v.SetDefault("gateway.base_delay", retry.BaseDelay)
	v.SetDefault("gateway.max_delay", retry.MaxDelay)
	v.SetDefault("gateway.breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("gateway.breaker.cooldown", breaker.Cooldown)
	v.SetDefault("gateway.breaker.half_open_max", breaker.HalfOpenMax)
	v.SetDefault("definitions.dir", "")
	v.SetDefault("definitions.watch", false)
	v.SetDefault("scheduler.interval", scheduler.DefaultInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("mcp.addr", "")
}

// newViper builds the layered source. configFile may be empty, in which case
// settings.yaml (or .json) is looked up in ~/.chatflow and the working
// directory; a missing file is not an error. envFile, when it exists, is
// loaded into the environment first without overriding variables already
// set.
func newViper(configFile, envFile string) (*viper.Viper, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(chatflowDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeConfig unmarshals and validates the current viper state.
func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, validationError(err)
	}
	return cfg, nil
}

func loadConfig(configFile, envFile string) (Config, *viper.Viper, error) {
	v, err := newViper(configFile, envFile)
	if err != nil {
		return Config{}, nil, err
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // sections that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
	}
	if old.Definitions != new.Definitions {
		d.RestartNeeded = append(d.RestartNeeded, "definitions")
	}
	if old.Log.Format != new.Log.Format {
		d.RestartNeeded = append(d.RestartNeeded, "log.format")
	}
	if old.Store != new.Store {
		d.RestartNeeded = append(d.RestartNeeded, "store")
	}
	if old.Engine != new.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Lock != new.Lock {
		d.RestartNeeded = append(d.RestartNeeded, "lock")
	}
	if !reflect.DeepEqual(old.Gateway, new.Gateway) {
		d.RestartNeeded = append(d.RestartNeeded, "gateway")
	}
	if !reflect.DeepEqual(old.Triggers, new.Triggers) || old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "triggers")
	}
	if old.Metrics != new.Metrics {
		d.RestartNeeded = append(d.RestartNeeded, "metrics")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	return d
}

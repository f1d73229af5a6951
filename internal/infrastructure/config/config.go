// Package config loads the gateway's static settings (HTTP listener,
// observability, registry tuning) via Viper, and the routing table —
// pipelines, categories, classifier thresholds — from its own YAML file
// with fsnotify-driven hot reload.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's static configuration, loaded once at startup.
// Unlike the routing table, this never hot-reloads — changing the listen
// address or log level requires a restart.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	HealthCheck   HealthCheckConfig   `mapstructure:"health_check"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	RoutingFile   string              `mapstructure:"routing_file"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the Zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// RegistryConfig configures the circuit breaker applied to every pipeline
// entry; the routing file has no per-entry breaker settings.
type RegistryConfig struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	RecoveryTimeout    time.Duration `mapstructure:"recovery_timeout"`
	MaxRecoveryTimeout time.Duration `mapstructure:"max_recovery_timeout"`
	HalfOpenMaxProbes  int           `mapstructure:"half_open_max_probes"`
}

// HealthCheckConfig configures the background probe scheduler.
type HealthCheckConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
}

// ObservabilityConfig configures the event sink and OTel exporters.
type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // loaded but not read; no OTLP exporter is wired
	ServiceName  string `mapstructure:"service_name"`
}

// Load reads the gateway's static config from an explicit path if one is
// given, otherwise searches (in order) ./config.yaml, /etc/llmgateway/config.yaml,
// then environment variables prefixed LLMGATEWAY_, falling back to built-in
// defaults when nothing is found.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/llmgateway")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.SetEnvPrefix("LLMGATEWAY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s") // 0 = unbounded, required for SSE
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("registry.failure_threshold", 5)
	v.SetDefault("registry.recovery_timeout", "30s")
	v.SetDefault("registry.max_recovery_timeout", "10m")
	v.SetDefault("registry.half_open_max_probes", 1)

	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "30s")
	v.SetDefault("health_check.probe_timeout", "5s")
	v.SetDefault("health_check.failure_threshold", 3)
	v.SetDefault("health_check.rate_per_second", 5.0)

	v.SetDefault("observability.service_name", "llmgateway")

	v.SetDefault("routing_file", "routing.yaml")
}

// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr string `mapstructure:"http_listen_addr"`

	// Job store. Backend selects etcd (default) or redis.
	StoreBackend  string        `mapstructure:"store_backend"`
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisDB       int           `mapstructure:"redis_db"`
	JobTTL        time.Duration `mapstructure:"job_ttl"`

	// Downstream stage services.
	FetchServiceURL     string        `mapstructure:"fetch_service_url"`
	TransformServiceURL string        `mapstructure:"transform_service_url"`
	ExtractServiceURL   string        `mapstructure:"extract_service_url"`
	StageRequestTimeout time.Duration `mapstructure:"stage_request_timeout"`

	// Retry behaviour of the stage client.
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	RetryJitterFraction float64       `mapstructure:"retry_jitter_fraction"`

	// Circuit breaker, one instance per downstream service.
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `mapstructure:"breaker_recovery_timeout"`
	BreakerProbeBudget      int           `mapstructure:"breaker_probe_budget"`

	// Polling supervisor.
	PollInitialInterval time.Duration `mapstructure:"poll_initial_interval"`
	PollMaxInterval     time.Duration `mapstructure:"poll_max_interval"`
	PollRampAttempts    int           `mapstructure:"poll_ramp_attempts"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`

	// Coordination.
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
	LivenessSchedule  string `mapstructure:"liveness_schedule"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetDefault("http_listen_addr", ":8080")

	viper.SetDefault("store_backend", "etcd")
	viper.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	viper.SetDefault("etcd_timeout", "5s")
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_db", 0)
	viper.SetDefault("job_ttl", "24h")

	viper.SetDefault("fetch_service_url", "http://localhost:9001")
	viper.SetDefault("transform_service_url", "http://localhost:9002")
	viper.SetDefault("extract_service_url", "http://localhost:9003")
	viper.SetDefault("stage_request_timeout", "30s")

	viper.SetDefault("retry_max_attempts", 3)
	viper.SetDefault("retry_base_delay", "500ms")
	viper.SetDefault("retry_max_delay", "10s")
	viper.SetDefault("retry_jitter_fraction", 0.25)

	viper.SetDefault("breaker_failure_threshold", 5)
	viper.SetDefault("breaker_recovery_timeout", "30s")
	viper.SetDefault("breaker_probe_budget", 3)

	viper.SetDefault("poll_initial_interval", "2s")
	viper.SetDefault("poll_max_interval", "30s")
	viper.SetDefault("poll_ramp_attempts", 10)
	viper.SetDefault("poll_timeout", "30m")

	viper.SetDefault("max_concurrent_jobs", 64)
	viper.SetDefault("liveness_schedule", "@every 30s")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found; defaults and env vars carry the day.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch cfg.StoreBackend {
	case "etcd", "redis":
	default:
		return nil, fmt.Errorf("unknown store_backend %q (want etcd or redis)", cfg.StoreBackend)
	}

	return &cfg, nil
}

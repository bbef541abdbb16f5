package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/pathflow-ai/pathflow/internal/platform/logger"
)

// Config holds all configuration for the scheduler service
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logger    logger.Config   `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Version   string          `mapstructure:"version"`
}

// AppConfig holds application surface configuration
type AppConfig struct {
	Name      string `mapstructure:"name" envconfig:"APP_NAME" default:"Workflow Scheduler"`
	APIPrefix string `mapstructure:"api_prefix" envconfig:"API_PREFIX" default:"/api/v1"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8000"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// SchedulerConfig holds the scheduling engine configuration
type SchedulerConfig struct {
	MaxWorkers     int           `mapstructure:"max_workers" envconfig:"MAX_WORKERS" default:"5"`
	MaxActiveUsers int           `mapstructure:"max_active_users" envconfig:"MAX_ACTIVE_USERS" default:"3"`
	// RetentionMaxAge prunes terminal workflows older than this; zero disables
	RetentionMaxAge   time.Duration `mapstructure:"retention_max_age" envconfig:"RETENTION_MAX_AGE" default:"0"`
	RetentionInterval time.Duration `mapstructure:"retention_interval" envconfig:"RETENTION_INTERVAL" default:"10m"`
	// SimulatedSteps drives the built-in executor used when no pipeline is attached
	SimulatedSteps    int           `mapstructure:"simulated_steps" envconfig:"SIMULATED_STEPS" default:"10"`
	SimulatedStepTime time.Duration `mapstructure:"simulated_step_time" envconfig:"SIMULATED_STEP_TIME" default:"500ms"`
}

// PipelineConfig holds knobs forwarded opaquely to the job executor
type PipelineConfig struct {
	DataDir     string `mapstructure:"data_dir" envconfig:"DATA_DIR" default:"./data"`
	UploadDir   string `mapstructure:"upload_dir" envconfig:"UPLOAD_DIR" default:"./data/uploads"`
	ResultDir   string `mapstructure:"result_dir" envconfig:"RESULT_DIR" default:"./data/results"`
	TileSize    int    `mapstructure:"tile_size" envconfig:"TILE_SIZE" default:"1024"`
	TileOverlap int    `mapstructure:"tile_overlap" envconfig:"TILE_OVERLAP" default:"128"`
	BatchSize   int    `mapstructure:"batch_size" envconfig:"BATCH_SIZE" default:"4"`
}

// RedisConfig holds the optional progress mirror configuration. An empty
// host disables the mirror.
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether the progress mirror is configured
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// KafkaConfig holds the optional lifecycle event publisher configuration.
// No brokers disables publishing.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"pathflow.lifecycle"`
}

// Enabled reports whether event publishing is configured
func (c *KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// TelemetryConfig holds tracing and metrics configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME" default:"scheduler"`
}

// Load loads configuration from file and environment
func Load() (*Config, error) {
	var cfg Config

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no config file; environment variables carry everything
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else if cfg.Version == "" {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// EnsureDirs creates the data directories the executor writes into
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Pipeline.DataDir, c.Pipeline.UploadDir, c.Pipeline.ResultDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

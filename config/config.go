package config

import (
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Delivery modes.
const (
	ModeBuffered  = "buffered"
	ModeImmediate = "immediate"
)

// Intake sources for the worker command.
const (
	SourceServiceBus = "servicebus"
	SourceKafka      = "kafka"
)

// Bounds for the upload limits.
const (
	MinUploadSeconds = 1
	MaxUploadSeconds = 60
	MinUploadSize    = 1
	MaxUploadSize    = 100
)

// ErrMissingCredentials is returned when a required credential is absent.
var ErrMissingCredentials = errors.New("missing required configuration")

var validate = validator.New()

// Config holds all application configuration
type Config struct {
	Environment string `mapstructure:"environment"`

	AWSAccessKey       string `mapstructure:"awsAccessKey" validate:"required"`
	AWSSecretAccessKey string `mapstructure:"awsSecretAccessKey" validate:"required"`
	AWSRegion          string `mapstructure:"awsRegion" validate:"required"`
	ApplicationID      string `mapstructure:"applicationId" validate:"required"`

	// Raw numeric strings; see UploadInterval and UploadLimitBytes.
	UploadSeconds   string `mapstructure:"uploadSeconds"`
	UploadMegabytes string `mapstructure:"uploadMegabytes"`
	UploadKilobytes string `mapstructure:"uploadKilobytes"`

	EventsToIgnore string `mapstructure:"eventsToIgnore"`
	MaxAttempts    int    `mapstructure:"maxAttempts" validate:"gte=0"`
	Mode           string `mapstructure:"mode" validate:"omitempty,oneof=buffered immediate"`
	Source         string `mapstructure:"source"`

	Server     ServerConfig     `mapstructure:"server"`
	ServiceBus ServiceBusConfig `mapstructure:"servicebus"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP intake configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ServiceBusConfig holds Azure Service Bus intake configuration
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
	BatchSize        int    `mapstructure:"batch_size"`
}

// KafkaConfig holds Kafka intake configuration
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// RetryConfig controls re-submission of failed batches.
type RetryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	LicenseKey         string `mapstructure:"license_key"`
	AppName            string `mapstructure:"app_name"`
	DistributedTracing bool   `mapstructure:"distributed_tracing_enabled"`
	LogForwarding      bool   `mapstructure:"log_enabled"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
// Environment variables use the FORWARDER_ prefix with dots replaced by
// underscores, e.g. FORWARDER_AWSREGION or FORWARDER_RETRY_ENABLED.
func LoadConfig(path string) (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, errors.Wrap(err, "error reading config file")
		}
		v.SetConfigName("app")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, errors.Wrap(err, "error reading env file")
			}
		}
	}

	v.SetEnvPrefix("FORWARDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unable to unmarshal config")
	}

	cfg.AWSAccessKey = strings.TrimSpace(cfg.AWSAccessKey)
	cfg.AWSSecretAccessKey = strings.TrimSpace(cfg.AWSSecretAccessKey)
	cfg.AWSRegion = strings.TrimSpace(cfg.AWSRegion)
	cfg.ApplicationID = strings.TrimSpace(cfg.ApplicationID)
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))

	return cfg, nil
}

// setDefaults registers every key so that environment overrides reach
// Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("awsAccessKey", "")
	v.SetDefault("awsSecretAccessKey", "")
	v.SetDefault("awsRegion", "")
	v.SetDefault("applicationId", "")
	v.SetDefault("uploadSeconds", "1")
	v.SetDefault("uploadMegabytes", "1")
	v.SetDefault("uploadKilobytes", "")
	v.SetDefault("eventsToIgnore", "")
	v.SetDefault("maxAttempts", 3)
	v.SetDefault("mode", ModeBuffered)
	v.SetDefault("source", SourceServiceBus)

	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("servicebus.connection_string", "")
	v.SetDefault("servicebus.queue_name", "analytics-events")
	v.SetDefault("servicebus.batch_size", 10)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "analytics-events")
	v.SetDefault("kafka.group_id", "pinpoint-forwarder")

	v.SetDefault("retry.enabled", false)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("tracing.license_key", "")
	v.SetDefault("tracing.app_name", "Pinpoint Forwarder")
	v.SetDefault("tracing.distributed_tracing_enabled", true)
	v.SetDefault("tracing.log_enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the required credentials, the delivery mode and the
// attempt count.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "invalid configuration")
	}

	var missing []string
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			missing = append(missing, fe.Field())
		case "oneof":
			return errors.Errorf("invalid configuration: %s=%q must be one of [%s]", fe.Field(), fe.Value(), fe.Param())
		default:
			return errors.Errorf("invalid configuration: %s=%v failed %q validation", fe.Field(), fe.Value(), fe.Tag())
		}
	}
	return errors.Wrap(ErrMissingCredentials, strings.Join(missing, ", "))
}

// UploadInterval is the buffer flush interval.
func (c Config) UploadInterval() time.Duration {
	return time.Duration(Bounded(c.UploadSeconds, MinUploadSeconds, MaxUploadSeconds)) * time.Second
}

// UploadLimitBytes is the buffer size limit. uploadKilobytes takes precedence
// and selects KiB units; otherwise uploadMegabytes is read in MiB.
func (c Config) UploadLimitBytes() int {
	if strings.TrimSpace(c.UploadKilobytes) != "" {
		return Bounded(c.UploadKilobytes, MinUploadSize, MaxUploadSize) * 1024
	}
	return Bounded(c.UploadMegabytes, MinUploadSize, MaxUploadSize) * 1024 * 1024
}

// Bounded parses a numeric string and clamps it into [min, max]. Missing,
// non-numeric, NaN and zero values yield min. Clamping happens before the
// integer conversion so huge values cannot overflow.
func Bounded(raw string, min, max int) int {
	f, err := cast.ToFloat64E(strings.TrimSpace(raw))
	if err != nil || f == 0 || math.IsNaN(f) {
		return min
	}
	if f < float64(min) {
		return min
	}
	if f > float64(max) {
		return max
	}
	return int(f)
}

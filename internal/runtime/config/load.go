package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable, e.g. PRESTO_QUEUE_BACKEND.
const EnvPrefix = "PRESTO"

// Load reads configuration from the environment and, when present, a config
// file. An explicit path must exist; without one a "presto.*" file in the
// working directory is used if found. Environment variables win over file
// values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("presto")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("QUEUE_BACKEND", DefaultQueueBackend)
	v.SetDefault("QUEUE_PREFIX", "")
	v.SetDefault("QUEUE_SUFFIX", "")
	v.SetDefault("OUTPUT_QUEUE_NAME", "")
	v.SetDefault("DLQ_QUEUE_NAME", "")
	v.SetDefault("KIND", "")
	v.SetDefault("BATCH_SIZE", 0)
	v.SetDefault("PROCESSOR_BATCH_SIZE", DefaultProcessorBatchSize)
	v.SetDefault("DISPATCH_TIMEOUT", DefaultDispatchTimeout)
	v.SetDefault("MAX_RETRIES", DefaultMaxRetries)
	v.SetDefault("POLL_TIMEOUT", DefaultPollTimeout)
	v.SetDefault("VISIBILITY_TIMEOUT", 0)
	v.SetDefault("CALLBACK_TIMEOUT", DefaultCallbackTimeout)
	v.SetDefault("CACHE_BACKEND", DefaultCacheBackend)
	v.SetDefault("CACHE_TTL", DefaultCacheTTL)
	v.SetDefault("CACHE_KEY_PREFIX", DefaultCacheKeyPrefix)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("AWS_REGION", "")
	v.SetDefault("AWS_ACCOUNT_ID", "")
	v.SetDefault("AWS_ACCESS_KEY_ID", "")
	v.SetDefault("AWS_SECRET_ACCESS_KEY", "")
	v.SetDefault("AWS_ENDPOINT", "")
	v.SetDefault("SQLITE_FILE", "presto_queue.db")
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "presto")
	v.SetDefault("RABBITMQ_URL", "")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_PORT", DefaultMetricsPort)
	v.SetDefault("INGRESS_ADDRESS", DefaultIngressAddress)
	v.SetDefault("LOG_LEVEL", "info")
}

// FromViper maps an already populated viper instance onto Config.
func FromViper(v *viper.Viper) *Config {
	cfg := Config{
		QueueBackend:       strings.ToLower(v.GetString("QUEUE_BACKEND")),
		QueuePrefix:        v.GetString("QUEUE_PREFIX"),
		QueueSuffix:        v.GetString("QUEUE_SUFFIX"),
		OutputQueueName:    v.GetString("OUTPUT_QUEUE_NAME"),
		DLQQueueName:       v.GetString("DLQ_QUEUE_NAME"),
		Kind:               v.GetString("KIND"),
		BatchSize:          v.GetInt("BATCH_SIZE"),
		ProcessorBatchSize: v.GetInt("PROCESSOR_BATCH_SIZE"),
		DispatchTimeout:    v.GetDuration("DISPATCH_TIMEOUT"),
		MaxRetries:         v.GetInt("MAX_RETRIES"),
		PollTimeout:        v.GetDuration("POLL_TIMEOUT"),
		VisibilityTimeout:  v.GetDuration("VISIBILITY_TIMEOUT"),
		CallbackTimeout:    v.GetDuration("CALLBACK_TIMEOUT"),
		CacheBackend:       strings.ToLower(v.GetString("CACHE_BACKEND")),
		CacheTTL:           v.GetDuration("CACHE_TTL"),
		CacheKeyPrefix:     v.GetString("CACHE_KEY_PREFIX"),
		RedisURL:           v.GetString("REDIS_URL"),
		AWSRegion:          v.GetString("AWS_REGION"),
		AWSAccountID:       v.GetString("AWS_ACCOUNT_ID"),
		AWSAccessKeyID:     v.GetString("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: v.GetString("AWS_SECRET_ACCESS_KEY"),
		AWSEndpoint:        v.GetString("AWS_ENDPOINT"),
		SQLiteFile:         v.GetString("SQLITE_FILE"),
		PostgresURL:        v.GetString("POSTGRES_URL"),
		KafkaBrokers:       splitList(v.GetString("KAFKA_BROKERS")),
		KafkaConsumerGroup: v.GetString("KAFKA_CONSUMER_GROUP"),
		RabbitMQURL:        v.GetString("RABBITMQ_URL"),
		NATSURL:            v.GetString("NATS_URL"),
		MetricsEnabled:     v.GetBool("METRICS_ENABLED"),
		MetricsPort:        v.GetInt("METRICS_PORT"),
		IngressAddress:     v.GetString("INGRESS_ADDRESS"),
		LogLevel:           v.GetString("LOG_LEVEL"),
	}
	return &cfg
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

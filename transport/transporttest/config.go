// Package transporttest provides helpers for driver tests.
package transporttest

import "time"

// Config is a settable transport.Config.
type Config struct {
	Backend            string
	PollTimeout        time.Duration
	VisibilityTimeout  time.Duration
	RedisURL           string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	SQLiteFile         string
	PostgresURL        string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetQueueBackend() string             { return c.Backend }
func (c *Config) GetPollTimeout() time.Duration       { return c.PollTimeout }
func (c *Config) GetVisibilityTimeout() time.Duration { return c.VisibilityTimeout }
func (c *Config) GetRedisURL() string                 { return c.RedisURL }
func (c *Config) GetKafkaBrokers() []string           { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string       { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string              { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string                  { return c.NATSURL }
func (c *Config) GetSQLiteFile() string               { return c.SQLiteFile }
func (c *Config) GetPostgresURL() string              { return c.PostgresURL }
func (c *Config) GetAWSRegion() string                { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string             { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string           { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string       { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string              { return c.AWSEndpoint }

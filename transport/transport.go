// Package transport defines the queue backend contract shared by workers and
// processors. Each driver (sqs, redis, memory, sqlite, postgres, pubsub)
// lives in its own sub-package and registers itself with the registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Role tells a backend what a queue is used for.
type Role int

const (
	RoleInput Role = iota
	RoleOutput
	RoleDLQ
)

func (r Role) String() string {
	switch r {
	case RoleOutput:
		return "output"
	case RoleDLQ:
		return "dlq"
	default:
		return "input"
	}
}

// Handle addresses a resolved queue.
type Handle struct {
	// Name is the logical queue name.
	Name string
	// Locator is the backend-specific address (queue URL, list key, topic).
	Locator string
	Role    Role
}

// AckToken identifies one received message for deletion.
type AckToken string

// Received is a message handed out by ReceiveBatch.
type Received struct {
	Body  []byte
	Token AckToken
}

// SendOptions tunes a single Send.
type SendOptions struct {
	// GroupID scopes FIFO ordering. Only FIFO-capable backends use it.
	GroupID string
	// DeduplicationID replaces content-based deduplication on backends
	// that deduplicate sends. Set it to resend a payload that was already
	// sent recently.
	DeduplicationID string
}

// Backend is a named-queue service with at-least-once delivery.
type Backend interface {
	// CreateOrGet resolves name, creating the queue when it does not exist.
	CreateOrGet(ctx context.Context, name string, role Role) (Handle, error)
	Send(ctx context.Context, h Handle, payload []byte, opts SendOptions) error
	// ReceiveBatch returns up to max messages. Received messages stay
	// invisible to other consumers until deleted or until the backend's
	// visibility window lapses.
	ReceiveBatch(ctx context.Context, h Handle, max int) ([]Received, error)
	DeleteBatch(ctx context.Context, h Handle, tokens []AckToken) error
	Capabilities() Capabilities
	Close() error
}

// Releaser is implemented by backends that can hand an undeleted message back
// to the queue immediately instead of waiting for a visibility timeout.
type Releaser interface {
	Release(ctx context.Context, h Handle, tokens []AckToken) error
}

// PendingCounter is implemented by backends that can report queue depth.
type PendingCounter interface {
	Pending(ctx context.Context, h Handle) (int64, error)
}

// Builder creates a backend from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Backend, error)

// Config exposes the settings drivers need without depending on the full
// config package.
type Config interface {
	GetQueueBackend() string

	GetPollTimeout() time.Duration
	GetVisibilityTimeout() time.Duration

	// Redis
	GetRedisURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// EffectiveBatch clamps requested to the backend's per-call cap unless the
// backend splits larger batches itself. It never returns less than one.
func EffectiveBatch(b Backend, requested int) int {
	if requested < 1 {
		requested = 1
	}
	caps := b.Capabilities()
	if caps.MaxBatchSize > 0 && !caps.SplitsBatches && requested > caps.MaxBatchSize {
		return caps.MaxBatchSize
	}
	return requested
}

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("presto: queue backend is closed")

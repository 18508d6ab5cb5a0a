package transport

// Capabilities describes what a queue backend supports.
type Capabilities struct {
	Name string

	// MaxBatchSize caps messages per backend call (0 = unlimited).
	MaxBatchSize int

	// SplitsBatches indicates ReceiveBatch and DeleteBatch accept more than
	// MaxBatchSize messages and split them into several calls. Callers only
	// clamp their batch size for drivers that don't.
	SplitsBatches bool

	// SupportsFIFO indicates per-group ordering is honoured.
	SupportsFIFO bool

	// SupportsVisibilityTimeout indicates received messages reappear when
	// the consumer dies before deleting them.
	SupportsVisibilityTimeout bool

	// SupportsLongPoll indicates ReceiveBatch blocks server-side while the
	// queue is empty.
	SupportsLongPoll bool

	// Persistent indicates messages survive a process restart.
	Persistent bool

	// Shared indicates several processes can consume the same queue.
	Shared bool
}

// SupportsReliableDelivery reports whether undeleted messages come back on
// their own after a consumer crash.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.Persistent && c.SupportsVisibilityTimeout
}

// Predefined capability sets.
var (
	SQSCapabilities = Capabilities{
		Name:                      "sqs",
		MaxBatchSize:              10,
		SplitsBatches:             true,
		SupportsFIFO:              true,
		SupportsVisibilityTimeout: true,
		SupportsLongPoll:          true,
		Persistent:                true,
		Shared:                    true,
	}

	RedisCapabilities = Capabilities{
		Name:                      "redis",
		SupportsVisibilityTimeout: true,
		SupportsLongPoll:          true,
		Persistent:                true,
		Shared:                    true,
	}

	MemoryCapabilities = Capabilities{
		Name: "memory",
	}

	SQLiteCapabilities = Capabilities{
		Name:                      "sqlite",
		SupportsVisibilityTimeout: true,
		Persistent:                true,
	}

	PostgresCapabilities = Capabilities{
		Name:                      "postgres",
		SupportsVisibilityTimeout: true,
		Persistent:                true,
		Shared:                    true,
	}

	// Watermill subscribers deliver the next message only after the
	// previous one is acked, so the bridge receives one message per call.
	ChannelCapabilities = Capabilities{
		Name:         "channel",
		MaxBatchSize: 1,
	}

	KafkaCapabilities = Capabilities{
		Name:         "kafka",
		MaxBatchSize: 1,
		Persistent:   true,
		Shared:       true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:         "rabbitmq",
		MaxBatchSize: 1,
		Persistent:   true,
		Shared:       true,
	}

	NATSCapabilities = Capabilities{
		Name:         "nats",
		MaxBatchSize: 1,
		Shared:       true,
	}

	JetStreamCapabilities = Capabilities{
		Name:                      "nats-jetstream",
		SupportsVisibilityTimeout: true,
		SupportsLongPoll:          true,
		Persistent:                true,
		Shared:                    true,
	}
)

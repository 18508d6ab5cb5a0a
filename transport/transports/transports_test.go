package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/presto/transport"
)

func TestAllBackendsRegistered(t *testing.T) {
	for _, name := range []string{"channel", "kafka", "memory", "nats", "nats-jetstream", "postgres", "rabbitmq", "redis", "sqlite", "sqs"} {
		assert.True(t, transport.DefaultRegistry.Has(name), name)
		assert.Equal(t, name, transport.GetCapabilities(name).Name, name)
	}
}

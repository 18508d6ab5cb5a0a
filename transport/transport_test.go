package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleString(t *testing.T) {
	assert.Equal(t, "input", RoleInput.String())
	assert.Equal(t, "output", RoleOutput.String())
	assert.Equal(t, "dlq", RoleDLQ.String())
}

func TestEffectiveBatch(t *testing.T) {
	sqs := &stubBackend{caps: SQSCapabilities}
	redis := &stubBackend{caps: RedisCapabilities}
	channel := &stubBackend{caps: ChannelCapabilities}

	assert.Equal(t, 25, EffectiveBatch(sqs, 25), "sqs splits batches above its per-call cap")
	assert.Equal(t, 4, EffectiveBatch(sqs, 4))
	assert.Equal(t, 25, EffectiveBatch(redis, 25))
	assert.Equal(t, 1, EffectiveBatch(channel, 25))
	assert.Equal(t, 1, EffectiveBatch(redis, 0))

	capped := &stubBackend{caps: Capabilities{Name: "capped", MaxBatchSize: 10}}
	assert.Equal(t, 10, EffectiveBatch(capped, 25))
}

func TestCapabilitiesReliableDelivery(t *testing.T) {
	assert.True(t, SQSCapabilities.SupportsReliableDelivery())
	assert.True(t, PostgresCapabilities.SupportsReliableDelivery())
	assert.False(t, MemoryCapabilities.SupportsReliableDelivery())
	assert.True(t, RedisCapabilities.SupportsReliableDelivery())
}

package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/presto/transport"
	"github.com/drblury/presto/transport/transporttest"
)

type closeRecorder struct {
	message.Publisher
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestRegistered(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.Persistent)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("wires factories", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		gc := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			return gc, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "test-group", cfg.ConsumerGroup)
			return gc, nil
		}

		backend, err := Build(context.Background(), &transporttest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "test-group",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		defer backend.Close()
		assert.Equal(t, "kafka", backend.Capabilities().Name)
	})

	t.Run("default consumer group", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		gc := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) { return gc, nil }
		SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, DefaultConsumerGroup, cfg.ConsumerGroup)
			return gc, nil
		}

		backend, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, nil)
		require.NoError(t, err)
		defer backend.Close()
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, nil)
		assert.ErrorIs(t, err, ErrBrokersRequired)
	})

	t.Run("subscriber error closes publisher", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		pub := &closeRecorder{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) { return pub, nil }
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, nil)
		require.Error(t, err)
		assert.True(t, pub.closed)
	})
}

// Package nats provides a NATS queue backend through Watermill.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/presto/transport"
	"github.com/drblury/presto/transport/pubsub"
)

// TransportName is the name used to register this backend.
const TransportName = "nats"

// QueueGroupPrefix prefixes the queue group shared by workers of one queue.
const QueueGroupPrefix = "presto"

var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS-backed bridge. Subscribers join a queue group per
// subject so each message goes to one worker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		url = nc.DefaultURL
	}
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: QueueGroupPrefix,
			NatsOptions:      []nc.Option{nc.Name("presto")},
		},
		logger,
	)
	if err != nil {
		return nil, errors.Join(err, publisher.Close())
	}

	return pubsub.New(transport.NATSCapabilities, publisher, subscriber, pubsub.Config{PollTimeout: cfg.GetPollTimeout()}, logger), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

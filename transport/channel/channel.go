// Package channel provides an in-process queue backend on Watermill's
// GoChannel. Messages are kept for late subscribers.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/presto/transport"
	"github.com/drblury/presto/transport/pubsub"
)

// TransportName is the name used to register this backend.
const TransportName = "channel"

// Factory creates the GoChannel pair. Override in tests.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a GoChannel-backed bridge.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	pub, sub := Factory(gochannel.Config{Persistent: true}, logger)
	return pubsub.New(transport.ChannelCapabilities, pub, sub, pubsub.Config{PollTimeout: cfg.GetPollTimeout()}, logger), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

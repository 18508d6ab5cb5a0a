// Package transports imports every built-in queue backend for registration.
package transports

import (
	_ "github.com/drblury/presto/transport/channel"
	_ "github.com/drblury/presto/transport/jetstream"
	_ "github.com/drblury/presto/transport/kafka"
	_ "github.com/drblury/presto/transport/memory"
	_ "github.com/drblury/presto/transport/nats"
	_ "github.com/drblury/presto/transport/postgres"
	_ "github.com/drblury/presto/transport/rabbitmq"
	_ "github.com/drblury/presto/transport/redis"
	_ "github.com/drblury/presto/transport/sqlite"
	_ "github.com/drblury/presto/transport/sqs"
)

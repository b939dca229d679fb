// Package transports imports every built-in transport so each registers
// itself with the default registry.
package transports

import (
	_ "github.com/drblury/sagaflow/transport/aws"
	_ "github.com/drblury/sagaflow/transport/channel"
	_ "github.com/drblury/sagaflow/transport/http"
	_ "github.com/drblury/sagaflow/transport/jetstream"
	_ "github.com/drblury/sagaflow/transport/kafka"
	_ "github.com/drblury/sagaflow/transport/nats"
	_ "github.com/drblury/sagaflow/transport/rabbitmq"
)

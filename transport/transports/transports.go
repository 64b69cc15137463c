// Package transports registers every bundled transport with
// transport.DefaultRegistry. Binaries that resolve connections by name
// import it for its side effects.
package transports

import (
	_ "github.com/drblury/rflow/transport/aws"
	_ "github.com/drblury/rflow/transport/channel"
	_ "github.com/drblury/rflow/transport/http"
	_ "github.com/drblury/rflow/transport/jetstream"
	_ "github.com/drblury/rflow/transport/kafka"
	_ "github.com/drblury/rflow/transport/nats"
	_ "github.com/drblury/rflow/transport/rabbitmq"
	_ "github.com/drblury/rflow/transport/socket"
	_ "github.com/drblury/rflow/transport/sqlite"
)

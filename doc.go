// Package rflow is a dataflow runtime built on Watermill. A graph of
// components, each with named input and output ports, is spread over shards:
// groups of components replicated either as OS processes or as goroutine
// groups inside the master. Connections between ports are realized over a
// transport chosen from the shard cardinality of both ends.
//
// A graph is built in code or loaded from YAML with LoadGraph. NewMaster
// resolves every connection, starts broker relays for many-to-many
// connections, brings up each shard and relays signals to the workers:
// SIGTERM, SIGINT and SIGQUIT shut down gracefully, SIGUSR1 reopens log and
// output files, SIGUSR2 toggles debug logging.
//
// # Strategies
//
// Every connection resolves to one strategy:
//   - same-shard: both ends live in one worker, the socket transport carries
//     it over inproc:// addresses scoped to that worker
//   - one-to-one, one-to-many, many-to-one: the side with a single replica
//     binds, the other side connects
//   - many-to-many: a broker relay binds <address>.in and <address>.out and
//     forwards every message unchanged
//
// # Transports
//
// The socket transport (tcp://, ipc://, inproc://) is the default. Watermill
// backed substitutes are bundled for Go channels, NATS, Kafka, RabbitMQ, AWS
// SNS/SQS, HTTP and a SQLite queue shared by processes on one host. Import
// transport/transports to register all of them.
//
// # Messages
//
// A Message carries a typed, Avro-encoded payload, string properties and the
// provenance of every component that processed it. Data types and their
// extensions are registered under namespaced names such as
// RFlow::Message::Data::Integer; an extension registered for a prefix applies
// to every type below it.
//
// # Components
//
// Components embed ComponentBase and are registered as a ComponentSpec naming
// their ports. Built-ins cover integer sequences, filtering through injected
// predicates, replication, clocks, file output, directory watching and
// collecting into injected sinks.
package rflow

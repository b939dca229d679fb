// Package sagaflow coordinates side-effecting work across services: it makes
// operations idempotent, serialises them with TTL-leased locks, runs
// multi-step sagas with compensation, and moves events between services on
// top of Watermill with per-key ordering, retries and a dead letter topic.
//
// Service wires everything from a Config. The KV backend (memory, SQLite or
// PostgreSQL) holds idempotency keys, locks, saga state, operations and dead
// letters; the transport (Go channels, Kafka, RabbitMQ, NATS, JetStream,
// AWS SNS/SQS or HTTP) carries events. Import
// github.com/drblury/sagaflow/transport/transports to register every broker,
// or a single transport package to keep the dependency set small. The
// in-process channel transport is always available.
//
// # Idempotent operations
//
// OperationManager.Execute derives a key from tenant, user, operation type and
// canonicalised parameters, runs the function once per key and replays the
// stored result for every later request with the same key. ExecuteSaga does
// the same for a saga, using the operation id as saga id so a retried request
// resumes the saga where it stopped.
//
// # Sagas
//
// SagaEngine runs the steps of a SagaDefinition in order under a lock named
// after the saga. Each step attempt is guarded by its own idempotency key, so
// Resume after a crash never re-applies a step that already finished. When a
// step fails for good, completed steps are compensated in reverse order.
//
// # Consumers
//
// Channel.Subscribe delivers events of one partition key to one member of a
// consumer group, in order. Failed handlers are retried with exponential
// backoff; exhausted or unprocessable deliveries go to "<topic>.DLQ" and are
// kept in the dead letter store for inspection, replay and purge. Handlers
// steer this with RetryAfter, DeadLetter, ErrSkip and ErrUnprocessable.
//
// # Inspection
//
// With InspectEnabled the Service serves a read-only JSON API under /api
// (idempotency keys, sagas, operations, dead letters, locks and handler
// statistics). MetricsEnabled exposes Prometheus metrics on /metrics.
package sagaflow

/*
Package runtime wires the coordination core: the event channel that consumes
with retry and dead-lettering, and the Service that assembles it with the KV
store, idempotency keys, locks, sagas, operations and the inspection API.

# Architecture Overview

Events travel over a Watermill publisher and subscribers picked from the
transport registry. Every (topic, group) subscription fans out to the group's
members by partition key, so events sharing a key are handled one at a time
and in publish order while other keys proceed.

# Package Structure

## Core Service (service.go)

The Service struct builds, from a Config:
  - the KV store (memory, SQLite or PostgreSQL) and its expiry sweeper
  - idempotency, lock and dead letter stores on top of it
  - the transport and the Channel
  - the saga engine and the operation manager
  - HTTP servers for Prometheus metrics and the inspection API

## Channel (channel.go, consumer.go, retry.go)

Publish encodes events with the configured codec. Subscribe registers a
handler member; failed attempts are retried with exponential backoff and
jitter, and deliveries that exhaust their retries or fail terminally are
recorded in the dead letter store and published on "<topic>.dlq".

## Middleware (middleware.go, hooks.go)

Each handler attempt runs through a middleware chain:
  - CorrelationID: ensures message traceability
  - LogMessages: debug logging of payloads
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus attempt counters
  - Timeout: bounds one attempt
  - Recoverer: turns panics into errors

Job hooks observe attempt start, success and failure.

## Stats & Monitoring (handler_stats.go, stats_window.go, resources.go, metrics.go, dlq_metrics.go)

Per-handler statistics include latency percentiles, throughput, an error
breakdown and backlog. Resource usage sampling and the DLQ and consumer
Prometheus collectors complete the picture.

# Sub-packages

  - clock/: injectable time source
  - config/: service configuration with validation
  - dlq/: dead letter entries and their store
  - errors/: sentinel errors, error types and outcome classification
  - event/: the Event type and its codecs
  - idempotency/: key derivation and the idempotency store
  - ids/: ULID generation
  - inspect/: read-only inspection queries and HTTP API
  - jsoncodec/: JSON marshaling utilities
  - kv/: the persistence abstraction and its backends
  - lock/: TTL lease locks
  - logging/: logger interface and adapters
  - metadata/: header utilities
  - operation/: background operations and idempotent execution
  - saga/: the saga engine

# Usage Example

	svc, err := runtime.NewService(&config.Config{PubSubSystem: "channel"}, logger, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Operations.Execute(ctx, operation.Request{
		Name:       "send_email",
		UserID:     "u1",
		Parameters: params,
		Topic:      "emails",
	}, sendEmail)
*/
package runtime

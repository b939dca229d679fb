package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	runtimepkg "github.com/drblury/sagaflow/internal/runtime"
	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	_ "github.com/drblury/sagaflow/transport/transports"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination service with the inspection API and metrics",
		Long: `Starts the coordination service: opens the KV store, connects the transport,
and serves the read-only inspection API and Prometheus metrics until interrupted.

Every flag can also be set in the config file (underscored key, e.g. store_backend)
or through the environment (SAGAFLOW_STORE_BACKEND).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(v)
			if err != nil {
				return err
			}
			return serve(cmd, conf, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("pubsub-system", configpkg.DefaultPubSubSystem, "transport: channel, kafka, rabbitmq, nats, jetstream, http or aws")
	flags.StringSlice("kafka-brokers", nil, "Kafka broker addresses")
	flags.String("kafka-client-id", "", "Kafka client id")
	flags.String("kafka-consumer-group", "", "prefix for Kafka consumer groups")
	flags.String("rabbitmq-url", "", "RabbitMQ URL")
	flags.String("nats-url", "", "NATS URL")
	flags.String("http-server-address", "", "listen address of the HTTP transport")
	flags.String("http-publisher-url", "", "base URL the HTTP transport publishes to")
	flags.String("aws-region", "", "AWS region for SNS/SQS")
	flags.String("aws-account-id", "", "AWS account id")
	flags.String("aws-access-key-id", "", "AWS access key id")
	flags.String("aws-secret-access-key", "", "AWS secret access key")
	flags.String("aws-endpoint", "", "custom AWS endpoint, e.g. LocalStack")

	flags.String("store-backend", configpkg.DefaultStoreBackend, "KV backend: memory, sqlite or postgres")
	flags.String("sqlite-file", "", "SQLite database file")
	flags.String("postgres-url", "", "PostgreSQL connection string")
	flags.Duration("store-sweep-interval", configpkg.DefaultSweepInterval, "how often expired memory entries are removed")

	flags.Int("retry-max-retries", 0, "handler retries before dead-lettering (0 = default)")
	flags.Duration("retry-initial-interval", 0, "first retry delay (0 = default)")
	flags.Duration("retry-max-interval", 0, "maximum retry delay (0 = default)")
	flags.Float64("retry-jitter", 0, "retry delay jitter between 0 and 1")
	flags.Int("max-in-flight", 0, "queued plus running deliveries per consumer member (0 = default)")
	flags.Duration("handler-timeout", 0, "bound on a single handler attempt (0 = none)")
	flags.Duration("shutdown-timeout", 0, "how long shutdown drains queued deliveries (0 = default)")
	flags.Bool("ack-after-processing", false, "ack deliveries only after their terminal outcome")
	flags.Duration("dlq-retention", 0, "expiry of recorded dead letters (0 = keep)")
	flags.Duration("idempotency-ttl", 0, "default lifetime of idempotency keys (0 = default)")

	flags.Duration("lock-ttl", configpkg.DefaultLockTTL, "lease of saga and operation locks")
	flags.Duration("lock-timeout", configpkg.DefaultLockTimeout, "how long to wait for a held lock")
	flags.Duration("saga-compensation-timeout", 0, "bound on saga rollback (0 = default)")

	flags.Bool("metrics-enabled", false, "serve Prometheus metrics")
	flags.Int("metrics-port", configpkg.DefaultMetricsPort, "metrics port")
	flags.Bool("inspect-enabled", true, "serve the inspection API")
	flags.Int("inspect-port", configpkg.DefaultInspectPort, "inspection API port")
	flags.StringSlice("inspect-cors-allowed-origins", nil, "origins allowed to call the inspection API; * allows any")

	var names []string
	flags.VisitAll(func(f *pflag.Flag) { names = append(names, f.Name) })
	mustBind(v, flags, names...)
	return cmd
}

func serve(cmd *cobra.Command, conf *configpkg.Config, logger loggingpkg.ServiceLogger) error {
	ctx := cmd.Context()
	svc, err := runtimepkg.NewService(conf, logger, ctx, runtimepkg.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Shutdown failed", err, nil)
		}
	}()

	logger.Info("Service started", loggingpkg.LogFields{
		"inspect_enabled": conf.InspectEnabled,
		"inspect_port":    conf.InspectPort,
		"metrics_enabled": conf.MetricsEnabled,
		"metrics_port":    conf.MetricsPort,
	})
	err = svc.Start(ctx)
	logger.Info("Service stopping", nil)
	return err
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/sagaflow/internal/runtime/clock"
	configpkg "github.com/drblury/sagaflow/internal/runtime/config"
	"github.com/drblury/sagaflow/internal/runtime/dlq"
	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/event"
	"github.com/drblury/sagaflow/internal/runtime/idempotency"
	"github.com/drblury/sagaflow/internal/runtime/inspect"
	"github.com/drblury/sagaflow/internal/runtime/kv"
	"github.com/drblury/sagaflow/internal/runtime/lock"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
	"github.com/drblury/sagaflow/internal/runtime/operation"
	"github.com/drblury/sagaflow/internal/runtime/saga"
	"github.com/drblury/sagaflow/transport"
)

const shutdownGrace = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from the config.
type ServiceDependencies struct {
	// Store replaces the configured KV backend. The Service does not close it.
	Store kv.Store
	// Transport replaces the transport built from the registry. The Service
	// closes it on Close.
	Transport *transport.Transport
	// Registry resolves Config.PubSubSystem; defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	Clock    clock.Clock
	Codec    event.Codec
	Codecs   *event.Registry

	Middlewares     []MiddlewareRegistration // nil selects DefaultMiddlewares.
	Hooks           JobHooks
	ErrorClassifier ErrorClassifier

	// Registerer receives the metrics collectors when metrics are enabled.
	// Defaults to a registry owned by the Service and served on MetricsPort.
	Registerer prometheus.Registerer
}

// Service wires the KV store, the coordination stores, the event channel,
// the saga engine and the operation manager from a Config.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	Store       kv.Store
	Idempotency *idempotency.Store
	Locks       *lock.Store
	DeadLetters *dlq.Store
	Channel     *Channel
	Sagas       *saga.Engine
	Operations  *operation.Manager
	Inspector   *inspect.Inspector
	// DLQMetrics is nil unless metrics are enabled.
	DLQMetrics *DLQMetrics

	ownsStore   bool
	registry    *prometheus.Registry
	stopSweeper context.CancelFunc
	sweeperDone chan struct{}

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and builds every collaborator. Register
// subscriptions on the returned Service's Channel, then call Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	conf = &resolved

	log.Info("Creating coordination service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"store_backend": conf.StoreBackend,
		"config":        conf,
	})

	s := &Service{Conf: conf, Logger: log}
	if err := s.build(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	conf := s.Conf
	clk := clock.OrReal(deps.Clock)

	store := deps.Store
	if store == nil {
		var err error
		store, err = kv.Open(ctx, kv.Options{
			Backend:     conf.StoreBackend,
			SQLiteFile:  conf.SQLiteFile,
			PostgresURL: conf.PostgresURL,
			Clock:       clk,
		})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.ownsStore = true
	}
	s.Store = store

	sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.stopSweeper = stop
	s.sweeperDone = make(chan struct{})
	go func() {
		defer close(s.sweeperDone)
		kv.RunSweeper(sweepCtx, store, conf.StoreSweepInterval, s.Logger)
	}()

	s.Idempotency = idempotency.NewStore(store, idempotency.WithClock(clk), idempotency.WithDefaultTTL(conf.IdempotencyTTL))
	s.Locks = lock.NewStore(store, lock.WithClock(clk), lock.WithLogger(s.Logger))
	s.DeadLetters = dlq.NewStore(store, dlq.WithClock(clk), dlq.WithRetention(conf.DLQRetention))

	tr, caps, err := s.buildTransport(ctx, deps)
	if err != nil {
		return err
	}

	var consumerMetrics *ConsumerMetrics
	var dlqMetrics *DLQMetrics
	if conf.MetricsEnabled {
		registerer := deps.Registerer
		if registerer == nil {
			s.registry = prometheus.NewRegistry()
			s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			registerer = s.registry
		}
		if consumerMetrics, err = NewConsumerMetrics(registerer); err != nil {
			_ = tr.Close()
			return fmt.Errorf("register consumer metrics: %w", err)
		}
		dlqMetrics = NewDLQMetrics(registerer)
	}
	s.DLQMetrics = dlqMetrics

	s.Channel, err = NewChannel(ChannelConfig{
		Transport:    tr,
		Capabilities: caps,
		Codec:        deps.Codec,
		Codecs:       deps.Codecs,
		DeadLetters:  s.DeadLetters,
		DLQMetrics:   dlqMetrics,
		Metrics:      consumerMetrics,
		Logger:       s.Logger,
		Clock:        clk,
		Retry: RetryPolicy{
			MaxRetries: conf.RetryMaxRetries,
			BaseDelay:  conf.RetryInitialInterval,
			MaxDelay:   conf.RetryMaxInterval,
			Jitter:     conf.RetryJitter,
		},
		MaxInFlight:        conf.MaxInFlight,
		HandlerTimeout:     conf.HandlerTimeout,
		ShutdownTimeout:    conf.ShutdownTimeout,
		AckAfterProcessing: conf.AckAfterProcessing,
		Middlewares:        deps.Middlewares,
		Hooks:              deps.Hooks,
		ErrorClassifier:    deps.ErrorClassifier,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}

	s.Sagas, err = saga.NewEngine(store, s.Locks, s.Idempotency,
		saga.WithPublisher(s.Channel),
		saga.WithLogger(s.Logger),
		saga.WithClock(clk),
		saga.WithLockTTL(conf.LockTTL),
		saga.WithLockTimeout(conf.LockTimeout),
		saga.WithCompensationTimeout(conf.SagaCompensationTimeout),
	)
	if err != nil {
		return err
	}

	s.Operations, err = operation.NewManager(store, s.Idempotency,
		operation.WithLocks(s.Locks),
		operation.WithSagaEngine(s.Sagas),
		operation.WithPublisher(s.Channel),
		operation.WithLogger(s.Logger),
		operation.WithClock(clk),
	)
	if err != nil {
		return err
	}

	src := inspect.Sources{
		Idempotency: s.Idempotency,
		Sagas:       s.Sagas,
		Operations:  s.Operations,
		DeadLetters: s.DeadLetters,
		Locks:       s.Locks,
		Handlers:    s.Channel.Handlers,
		Runtime:     s.Channel.ResourceUsage,
	}
	if s.DLQMetrics != nil {
		src.DeadLetterStats = s.DLQMetrics.Snapshot
	}
	s.Inspector = inspect.New(src)
	return nil
}

func (s *Service) buildTransport(ctx context.Context, deps ServiceDependencies) (transport.Transport, transport.Capabilities, error) {
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	caps := registry.GetCapabilities(s.Conf.PubSubSystem)
	if deps.Transport != nil {
		return *deps.Transport, caps, nil
	}
	tr, err := registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return transport.Transport{}, caps, errors.Join(errspkg.ErrTransport, err)
	}
	return tr, caps, nil
}

// MetricsHandler serves the Service-owned metrics registry, or nil when
// metrics are disabled or a custom registerer was supplied.
func (s *Service) MetricsHandler() http.Handler {
	if s.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// InspectHandler returns the inspection API configured with the CORS
// allow-list from the config.
func (s *Service) InspectHandler() http.Handler {
	return inspect.NewHandler(s.Inspector, inspect.HandlerOptions{
		AllowedOrigins: s.Conf.InspectCORSAllowedOrigins,
		Logger:         s.Logger,
	})
}

// Start serves the inspection API and metrics when enabled and blocks until
// ctx is cancelled. Subscriptions consume as soon as they are registered.
func (s *Service) Start(ctx context.Context) error {
	if s.Conf.InspectEnabled {
		s.RegisterHTTPHandler(s.Conf.InspectPort, "/api/", s.InspectHandler())
	}
	if h := s.MetricsHandler(); h != nil {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", h)
	}
	if err := s.startHTTPServers(); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return s.stopHTTPServers(shutdownCtx)
}

// Publish sends evt on the Service's channel.
func (s *Service) Publish(ctx context.Context, evt event.Event) error {
	return s.Channel.Publish(ctx, evt)
}

// Subscribe registers handler for topic within group.
func (s *Service) Subscribe(topic, group string, handler Handler, opts SubscribeOptions) error {
	return s.Channel.Subscribe(topic, group, handler, opts)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	running := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range running {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the HTTP servers, drains the channel and closes the store
// when the Service opened it. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		var errs []error
		if err := s.stopHTTPServers(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.Channel != nil {
			if err := s.Channel.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.stopSweeper != nil {
			s.stopSweeper()
			<-s.sweeperDone
		}
		if s.ownsStore && s.Store != nil {
			if err := s.Store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

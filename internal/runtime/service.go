package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/presto/internal/runtime/cache"
	configpkg "github.com/drblury/presto/internal/runtime/config"
	"github.com/drblury/presto/internal/runtime/envelope"
	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/ingress"
	loggingpkg "github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/internal/runtime/metrics"
	"github.com/drblury/presto/internal/runtime/processor"
	"github.com/drblury/presto/internal/runtime/worker"
	"github.com/drblury/presto/transport"
	_ "github.com/drblury/presto/transport/transports"
)

const tracerName = "github.com/drblury/presto"

// memoryCacheCleanup is how often the in-process cache sweeps expired keys.
const memoryCacheCleanup = time.Minute

var (
	buildBackend = transport.Build
	redisClient  = func(opts *goredis.Options) goredis.UniversalClient {
		return goredis.NewClient(opts)
	}
)

// ServiceDependencies holds the collaborators a Service is assembled from.
// Registry is required; nil fields are built from the configuration.
type ServiceDependencies struct {
	Registry *envelope.Registry
	// Backend replaces the configured queue driver.
	Backend transport.Backend
	// CacheStore replaces the configured cache backend.
	CacheStore cache.Store
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Tracer     trace.Tracer
	// WorkerHooks are passed to every worker built by the service. Dispatch
	// and dead-letter events are logged when unset.
	WorkerHooks *worker.Hooks
}

// Service owns the shared collaborators of one process and builds workers,
// processors and the ingress router on top of them.
type Service struct {
	Conf     *configpkg.Config
	Logger   loggingpkg.ServiceLogger
	Registry *envelope.Registry
	Backend  transport.Backend
	// Cache is nil when caching is disabled.
	Cache   *cache.ResultCache
	Metrics *metrics.Metrics

	gatherer prometheus.Gatherer
	tracer   trace.Tracer
	hooks    worker.Hooks

	mu        sync.Mutex
	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and connects the queue and cache backends.
func NewService(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, prestoerrors.ErrConfigRequired
	}
	if logger == nil {
		return nil, prestoerrors.ErrLoggerRequired
	}
	if deps.Registry == nil {
		return nil, prestoerrors.ErrRegistryRequired
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{
		Conf:     conf,
		Logger:   logger,
		Registry: deps.Registry,
		tracer:   deps.Tracer,
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if deps.WorkerHooks != nil {
		s.hooks = *deps.WorkerHooks
	} else {
		s.hooks = worker.LoggingHooks(logger)
	}

	registerer, gatherer := deps.Registerer, deps.Gatherer
	if registerer == nil {
		reg := prometheus.NewRegistry()
		registerer, gatherer = reg, reg
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.gatherer = gatherer
	s.Metrics = metrics.New(registerer)
	if err := s.Metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s.Backend = deps.Backend
	if s.Backend == nil {
		backend, err := buildBackend(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, fmt.Errorf("build %s queue backend: %w", conf.QueueBackend, err)
		}
		s.Backend = backend
	}

	store := deps.CacheStore
	if store == nil {
		var err error
		store, err = s.cacheStore(ctx)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if store != nil {
		resultCache, err := cache.New(store, cache.Options{TTL: conf.CacheTTL, KeyPrefix: conf.CacheKeyPrefix})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Cache = resultCache
	}

	logger.Info("Service initialised", loggingpkg.LogFields{
		"queue_backend": conf.QueueBackend,
		"cache_backend": conf.CacheBackend,
		"kinds":         strings.Join(deps.Registry.Kinds(), ","),
	})
	return s, nil
}

func (s *Service) cacheStore(ctx context.Context) (cache.Store, error) {
	switch strings.ToLower(s.Conf.CacheBackend) {
	case "none":
		return nil, nil
	case "memory":
		return cache.NewMemoryStore(memoryCacheCleanup), nil
	case "redis":
		opts, err := goredis.ParseURL(s.Conf.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse cache redis url: %w", err)
		}
		client := redisClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, prestoerrors.Transient("cache redis ping", err)
		}
		s.addCloser(client)
		return cache.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.Conf.CacheBackend)
	}
}

func (s *Service) addCloser(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, c)
}

// Naming returns the queue naming policy from the configuration.
func (s *Service) Naming() transport.Naming {
	return transport.Naming{
		Prefix:         s.Conf.QueuePrefix,
		Suffix:         s.Conf.QueueSuffix,
		OutputOverride: s.Conf.OutputQueueName,
		DLQOverride:    s.Conf.DLQQueueName,
	}
}

func (s *Service) kind(kind string) string {
	if kind == "" {
		return s.Conf.Kind
	}
	return kind
}

// NewWorker builds a worker for kind, or for the configured kind when empty.
func (s *Service) NewWorker(ctx context.Context, kind string) (*worker.Worker, error) {
	return worker.New(ctx, worker.Dependencies{
		Backend:  s.Backend,
		Registry: s.Registry,
		Cache:    s.Cache,
		Metrics:  s.Metrics,
		Logger:   s.Logger,
		Tracer:   s.tracer,
		Hooks:    s.hooks,
	}, worker.Options{
		Kind:            s.kind(kind),
		BatchSize:       s.Conf.BatchSize,
		DispatchTimeout: s.Conf.DispatchTimeout,
		MaxRetries:      s.Conf.MaxRetries,
		Naming:          s.Naming(),
	})
}

// NewProcessor builds a callback processor for kind, or for the configured
// kind when empty.
func (s *Service) NewProcessor(ctx context.Context, kind string) (*processor.Processor, error) {
	p, err := processor.New(ctx, processor.Dependencies{
		Backend: s.Backend,
		Metrics: s.Metrics,
		Logger:  s.Logger,
		Tracer:  s.tracer,
	}, processor.Options{
		Kind:            s.kind(kind),
		BatchSize:       s.Conf.ProcessorBatchSize,
		CallbackTimeout: s.Conf.CallbackTimeout,
		Naming:          s.Naming(),
	})
	if err != nil {
		return nil, err
	}
	s.addCloser(p)
	return p, nil
}

// NewIngress builds the HTTP ingress router with one-off callback support.
func (s *Service) NewIngress() (http.Handler, error) {
	notifier, err := processor.NewNotifier(s.Conf.CallbackTimeout, s.Logger, s.tracer)
	if err != nil {
		return nil, err
	}
	s.addCloser(notifier)
	return ingress.NewRouter(ingress.Dependencies{
		Backend:  s.Backend,
		Registry: s.Registry,
		Notifier: notifier,
		Logger:   s.Logger,
		Naming:   s.Naming(),
		DLQ:      s.Metrics.DLQ,
	})
}

// NewEnqueuer returns an Enqueuer bound to the service's backend and naming.
func (s *Service) NewEnqueuer() *ingress.Enqueuer {
	return ingress.NewEnqueuer(s.Backend, s.Registry, s.Naming())
}

// MetricsHandler exposes the service's Prometheus registry.
func (s *Service) MetricsHandler() http.Handler {
	return metrics.Handler(s.gatherer)
}

// ServeMetrics serves /metrics on the configured port until ctx ends.
func (s *Service) ServeMetrics(ctx context.Context) error {
	return metrics.Serve(ctx, s.Conf.MetricsPort, s.gatherer)
}

// ServeIngress serves the ingress router on the configured address.
func (s *Service) ServeIngress(ctx context.Context) error {
	handler, err := s.NewIngress()
	if err != nil {
		return err
	}
	s.Logger.Info("Ingress listening", loggingpkg.LogFields{"addr": s.Conf.IngressAddress})
	return ingress.Serve(ctx, s.Conf.IngressAddress, handler)
}

// Runner is a long-running loop such as a Worker or a Processor.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and waits for all of them. The first failure
// cancels the others.
func (s *Service) Run(ctx context.Context, runners ...Runner) error {
	if len(runners) == 0 {
		return errors.New("presto: nothing to run")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases processors, notifiers, the cache client and the queue
// backend. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		closers := s.closers
		s.closers = nil
		s.mu.Unlock()

		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		if s.Backend != nil {
			errs = append(errs, s.Backend.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

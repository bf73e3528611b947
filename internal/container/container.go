package container

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/anime-shed/image-probe-go/internal/config"
	"github.com/anime-shed/image-probe-go/internal/observer"
	"github.com/anime-shed/image-probe-go/internal/ratelimit"
	"github.com/anime-shed/image-probe-go/internal/repository"
	"github.com/anime-shed/image-probe-go/internal/service"
	"github.com/anime-shed/image-probe-go/internal/storage"
	"github.com/anime-shed/image-probe-go/internal/transport"
	"github.com/anime-shed/image-probe-go/pkg/validation"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Container holds all application dependencies
type Container struct {
	config       *config.Config
	logger       *logrus.Logger
	validator    *validation.SSRFValidator
	fetcher      *storage.GuardedFetcher
	repository   repository.ImageRepository
	probeService service.ProbeService
	events       *observer.EventPublisher
	metrics      *observer.MetricsObserver
	redisClient  *redis.Client
	limiter      *ratelimit.Limiter
	handler      http.Handler
}

// Option overrides a collaborator, mainly for tests
type Option func(*options)

type options struct {
	resolver validation.Resolver
	doer     storage.HTTPDoer
}

// WithResolver replaces net.DefaultResolver
func WithResolver(r validation.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithHTTPDoer replaces the pinned production client
func WithHTTPDoer(d storage.HTTPDoer) Option {
	return func(o *options) { o.doer = d }
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	o := options{resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(&o)
	}

	// Build dependency graph
	validator := validation.NewSSRFValidator(validation.ValidatorOptions{
		AllowedSchemes:   cfg.Probe.AllowedSchemes,
		BlockedHostnames: cfg.Probe.BlockedHostnames,
	}, o.resolver, logger)

	fetcher := storage.NewGuardedFetcher(storage.FetchOptions{
		Timeout:         cfg.Probe.Timeout,
		MaxSizeBytes:    cfg.Probe.MaxSizeBytes,
		FollowRedirects: cfg.Probe.FollowRedirects,
		MaxRedirects:    cfg.Probe.MaxRedirects,
		UserAgent:       cfg.Probe.UserAgent,
	}, validator, o.doer, logger)

	imageRepository := repository.NewHTTPImageRepository(fetcher)

	events := observer.NewEventPublisher(logger)
	metrics := observer.NewMetricsObserver()
	events.Subscribe(observer.NewLoggingObserver(logger))
	events.Subscribe(metrics)

	probeService := service.NewProbeService(validator, imageRepository, events, service.ProbeOptions{
		Timeout:    cfg.Probe.Timeout,
		Dimensions: cfg.Probe.Dimensions,
	}, logger)

	c := &Container{
		config:       cfg,
		logger:       logger,
		validator:    validator,
		fetcher:      fetcher,
		repository:   imageRepository,
		probeService: probeService,
		events:       events,
		metrics:      metrics,
	}

	deps := transport.Dependencies{
		Prober: probeService,
		Stats:  metrics,
		Config: cfg,
		Logger: logger,
	}

	if cfg.RateLimitEnabled() {
		c.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.limiter = ratelimit.NewLimiter(c.redisClient, cfg.RateLimit.PerMinute, time.Minute, logger)
		deps.Limiter = c.limiter

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.redisClient.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).
				Warn("Redis unreachable at startup; rate limiter will fail open")
		}
	}

	c.handler = transport.NewHandler(deps)
	return c, nil
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// ProbeService returns the probe service
func (c *Container) ProbeService() service.ProbeService {
	return c.probeService
}

// Close releases external connections
func (c *Container) Close() error {
	if c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}

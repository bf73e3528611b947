package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/anime-shed/image-probe-go/internal/config"
	apperrors "github.com/anime-shed/image-probe-go/internal/errors"
	"github.com/anime-shed/image-probe-go/internal/logger"
	"github.com/anime-shed/image-probe-go/internal/ratelimit"
	"github.com/anime-shed/image-probe-go/internal/service"
	"github.com/anime-shed/image-probe-go/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	requestIDHeader = "X-Request-ID"
	version         = "1.0.0"

	genericBlockedDetail  = "URL is not allowed"
	genericInternalDetail = "Internal server error"

	defaultRequestTimeout     = 30 * time.Second
	defaultMaxRequestBodySize = 1 << 20
)

// RateLimiter is consulted once per probe request
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*ratelimit.Result, error)
}

// StatsProvider exposes probe counters
type StatsProvider interface {
	GetMetrics() map[string]interface{}
}

// Dependencies groups what the router needs. Limiter and Stats may be nil;
// a nil Config selects the default request timeout and body size.
type Dependencies struct {
	Prober  service.ProbeService
	Limiter RateLimiter
	Stats   StatsProvider
	Config  *config.Config
	Logger  *logrus.Logger
}

func NewHandler(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Config == nil {
		deps.Config = &config.Config{
			RequestTimeout:     defaultRequestTimeout,
			MaxRequestBodySize: defaultMaxRequestBodySize,
		}
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestID(),
		requestLogger(deps.Logger),
		requestSizeLimiter(deps.Config.MaxRequestBodySize),
		errorHandler(deps.Logger),
	)

	r.GET("/health", healthCheck)
	r.GET("/stats", stats(deps.Stats))

	probeRoutes := r.Group("/")
	if deps.Limiter != nil {
		probeRoutes.Use(rateLimit(deps.Limiter, deps.Logger))
	}
	probeRoutes.GET("/probe", probe(deps.Prober, deps.Config, deps.Logger))

	return r
}

func probe(prober service.ProbeService, cfg *config.Config, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		var req models.ProbeRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			respondError(c, log, apperrors.NewInvalidURLError("Invalid query parameters", err))
			return
		}

		result, err := prober.Probe(ctx, req.URL)
		if err != nil {
			respondError(c, log, err)
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func stats(provider StatsProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if provider == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, provider.GetMetrics())
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:  "available",
		Version: version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// Middleware and helper functions

// requestID propagates a caller supplied X-Request-ID or assigns a new one
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.FromContext(c.Request.Context(), log).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
		}).Info("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// rateLimit lets the request through when the limiter errors
func rateLimit(limiter RateLimiter, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.FromContext(c.Request.Context(), log).WithError(err).
				Warn("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		remaining := result.Limit - result.CurrentCount
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if !result.Allowed {
			c.Header("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Detail: "Too many requests",
			})
			return
		}
		c.Next()
	}
}

func errorHandler(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			respondError(c, log, c.Errors.Last().Err)
		}
	}
}

// respondError writes {detail} with the status of the classified error.
// Blocked hosts and internal failures get a generic detail; the specifics
// stay in the log.
func respondError(c *gin.Context, log *logrus.Logger, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = classifyUnknown(err)
	}

	entry := logger.FromContext(c.Request.Context(), log).WithError(err).WithFields(logrus.Fields{
		"status_code": appErr.StatusCode,
		"error_type":  appErr.Type,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	})
	if appErr.Details != "" {
		entry = entry.WithField("details", appErr.Details)
	}

	detail := appErr.Message
	switch appErr.Type {
	case apperrors.ErrorTypeBlockedHost:
		detail = genericBlockedDetail
		entry.Warn("Request rejected")
	case apperrors.ErrorTypeInternal:
		detail = genericInternalDetail
		entry.Error("Request failed")
	default:
		if appErr.StatusCode >= http.StatusInternalServerError {
			entry.Error("Request failed")
		} else {
			entry.Info("Request rejected")
		}
	}

	c.AbortWithStatusJSON(appErr.StatusCode, models.ErrorResponse{Detail: detail})
}

func classifyUnknown(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTimeoutError("Request timed out", err)
	default:
		return apperrors.NewInternalError("Unexpected error", err)
	}
}

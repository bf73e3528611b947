package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/anime-shed/image-probe-go/internal/errors"
	"github.com/anime-shed/image-probe-go/internal/logger"
	"github.com/anime-shed/image-probe-go/internal/observer"
	"github.com/anime-shed/image-probe-go/internal/repository"
	"github.com/anime-shed/image-probe-go/pkg/models"
	"github.com/anime-shed/image-probe-go/pkg/validation"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProbeService reports metadata about a remote image
type ProbeService interface {
	Probe(ctx context.Context, rawURL string) (*models.ProbeResult, error)
}

// Validator turns a raw URL into a target that is safe to fetch
type Validator interface {
	ValidateRaw(ctx context.Context, raw string) (*validation.ValidatedTarget, error)
}

// ProbeOptions configures a probeService
type ProbeOptions struct {
	// Timeout bounds validation and both sub-probes together
	Timeout time.Duration
	// Dimensions enables the pixel dimension sub-probe
	Dimensions bool
}

type probeService struct {
	validator Validator
	repo      repository.ImageRepository
	events    observer.Subject
	opts      ProbeOptions
	logger    *logrus.Logger
}

// NewProbeService creates a new probe service. events may be nil.
func NewProbeService(
	validator Validator,
	imageRepository repository.ImageRepository,
	events observer.Subject,
	opts ProbeOptions,
	log *logrus.Logger,
) ProbeService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &probeService{
		validator: validator,
		repo:      imageRepository,
		events:    events,
		opts:      opts,
		logger:    log,
	}
}

// Probe validates rawURL, then reads headers and dimensions concurrently.
// Nothing is fetched unless validation succeeds. The sub-probes settle
// independently: a dimension failure only leaves width and height unset, and
// an upstream status on the header probe is tolerated when the dimension
// probe still identified an image.
func (s *probeService) Probe(ctx context.Context, rawURL string) (*models.ProbeResult, error) {
	start := time.Now()
	s.notify(ctx, observer.ProbeEvent{EventType: observer.ProbeStarted, URL: rawURL})

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	target, err := s.validator.ValidateRaw(ctx, rawURL)
	if err != nil {
		err = ensureClassified(err)
		s.notifyFailure(ctx, observer.ProbeRejected, rawURL, start, err)
		return nil, err
	}

	var (
		header, dims       *repository.ImageMetadata
		headerErr, dimsErr error
		g                  errgroup.Group
	)

	g.Go(func() error {
		header, headerErr = s.repo.GetImageMetadata(ctx, target)
		return nil
	})
	if s.opts.Dimensions {
		g.Go(func() error {
			dims, dimsErr = s.repo.GetImageDimensions(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	log := logger.FromContext(ctx, s.logger).WithField("url", target.URL.String())

	if headerErr != nil {
		headerErr = ensureClassified(headerErr)
		if headerFailureIsFatal(headerErr) || !dimensionsUsable(dims, dimsErr) {
			s.notifyFailure(ctx, observer.ProbeFailed, target.URL.String(), start, headerErr)
			return nil, headerErr
		}
		log.WithError(headerErr).Warn("Header probe failed, returning dimension probe result")
		header = nil
	}

	if s.opts.Dimensions && dimsErr != nil {
		log.WithError(dimsErr).Debug("Dimension probe yielded nothing")
		s.notify(ctx, observer.ProbeEvent{
			EventType:    observer.DimensionsUnavailable,
			URL:          target.URL.String(),
			ErrorMessage: dimsErr.Error(),
		})
	}

	result := combine(header, dims)
	s.notify(ctx, observer.ProbeEvent{
		EventType:      observer.ProbeCompleted,
		URL:            target.URL.String(),
		ProcessingTime: time.Since(start),
		Success:        true,
		Metadata: map[string]interface{}{
			"has_size":       result.Size != nil,
			"has_dimensions": result.HasDimensions(),
			"partial":        headerErr != nil,
		},
	})
	return result, nil
}

// headerFailureIsFatal reports whether a header probe error fails the call
// regardless of what the dimension probe found. Only an upstream status
// response is tolerated.
func headerFailureIsFatal(err error) bool {
	appErr, ok := apperrors.As(err)
	if !ok || appErr.Type != apperrors.ErrorTypeUpstream {
		return true
	}
	return appErr.UpstreamStatus == 0
}

// dimensionsUsable reports whether the dimension probe identified an image,
// either decoded or at least sniffed.
func dimensionsUsable(dims *repository.ImageMetadata, err error) bool {
	if dims == nil {
		return false
	}
	return err == nil || errors.Is(err, repository.ErrUndecodable)
}

// combine merges the sub-probe results. Header values win; the sniffed type
// only fills a missing Content-Type.
func combine(header, dims *repository.ImageMetadata) *models.ProbeResult {
	result := &models.ProbeResult{}

	if header != nil {
		if header.ContentLength >= 0 {
			size := header.ContentLength
			result.Size = &size
		}
		if mediaType, ok := NormalizeMediaType(header.ContentType); ok {
			result.MimeType = &mediaType
		}
	}

	if dims != nil {
		if result.MimeType == nil {
			if mediaType, ok := NormalizeMediaType(dims.SniffedType); ok {
				result.MimeType = &mediaType
			}
		}
		if dims.Width > 0 && dims.Height > 0 {
			width, height := dims.Width, dims.Height
			result.Width = &width
			result.Height = &height
		}
	}

	if result.MimeType != nil {
		if ext, ok := ExtensionForMediaType(*result.MimeType); ok {
			result.Extension = &ext
		}
	}
	return result
}

// ensureClassified keeps every error leaving the service inside the closed taxonomy
func ensureClassified(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.NewInternalError("Unexpected probe failure", err)
}

func (s *probeService) notifyFailure(ctx context.Context, eventType observer.EventType, url string, start time.Time, err error) {
	event := observer.ProbeEvent{
		EventType:      eventType,
		URL:            url,
		ProcessingTime: time.Since(start),
		ErrorMessage:   err.Error(),
	}
	if appErr, ok := apperrors.As(err); ok {
		event.ErrorType = string(appErr.Type)
	}
	s.notify(ctx, event)
}

func (s *probeService) notify(ctx context.Context, event observer.ProbeEvent) {
	if s.events == nil {
		return
	}
	event.RequestID = logger.RequestIDFromContext(ctx)
	s.events.NotifyObservers(ctx, event)
}

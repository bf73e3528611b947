package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/anime-shed/image-probe-go/internal/errors"
	"github.com/anime-shed/image-probe-go/pkg/validation"

	"github.com/sirupsen/logrus"
)

const (
	defaultUserAgent = "Go-Image-Probe/1.0"
	// drainLimit bounds how much of an unwanted body is read before closing
	drainLimit = 4 << 10
)

// HTTPDoer is the transport a GuardedFetcher sends requests through
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TargetValidator re-validates redirect destinations from a raw URL
type TargetValidator interface {
	ValidateRaw(ctx context.Context, raw string) (*validation.ValidatedTarget, error)
}

// FetchOptions bounds a single guarded fetch
type FetchOptions struct {
	Timeout         time.Duration
	MaxSizeBytes    int64
	FollowRedirects bool
	// MaxRedirects caps followed hops; 0 follows none
	MaxRedirects    int
	UserAgent       string
}

// FetchResponse is a 2xx response whose body is capped at MaxSizeBytes.
// Callers must close Body.
type FetchResponse struct {
	URL           *url.URL
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// GuardedFetcher issues requests only against validated targets
type GuardedFetcher struct {
	opts      FetchOptions
	validator TargetValidator
	client    HTTPDoer
	logger    *logrus.Logger
}

// NewGuardedFetcher creates a fetcher. A nil doer selects NewPinnedClient.
func NewGuardedFetcher(opts FetchOptions, validator TargetValidator, doer HTTPDoer, logger *logrus.Logger) *GuardedFetcher {
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if doer == nil {
		doer = NewPinnedClient(opts)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &GuardedFetcher{
		opts:      opts,
		validator: validator,
		client:    doer,
		logger:    logger,
	}
}

// Fetch sends method to target. Redirects are refused unless FollowRedirects
// is set, in which case every hop is validated again before it is requested.
func (f *GuardedFetcher) Fetch(ctx context.Context, target *validation.ValidatedTarget, method string) (*FetchResponse, error) {
	if target == nil || target.URL == nil {
		return nil, apperrors.NewInternalError("fetch requires a validated target", nil)
	}

	var cancel context.CancelFunc = func() {}
	if f.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
	}

	current := target
	for hop := 0; ; hop++ {
		resp, err := f.do(ctx, current, method)
		if err != nil {
			cancel()
			return nil, classifyTransportError(ctx, err)
		}

		if isRedirect(resp.StatusCode) {
			next, err := f.nextHop(ctx, current, resp, hop)
			if err != nil {
				cancel()
				return nil, err
			}
			current = next
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			drainAndClose(resp.Body)
			cancel()
			return nil, apperrors.NewUpstreamError("Upstream returned an error status", resp.StatusCode, nil).
				WithDetails(resp.Status)
		}

		if f.opts.MaxSizeBytes > 0 && resp.ContentLength > f.opts.MaxSizeBytes {
			drainAndClose(resp.Body)
			cancel()
			return nil, apperrors.NewPayloadTooLargeError("Remote resource exceeds the size limit", nil)
		}

		body := resp.Body
		if f.opts.MaxSizeBytes > 0 {
			body = newLimitedBody(resp.Body, f.opts.MaxSizeBytes)
		}

		return &FetchResponse{
			URL:           current.URL,
			StatusCode:    resp.StatusCode,
			Header:        resp.Header,
			ContentLength: resp.ContentLength,
			Body:          &cancelOnClose{ReadCloser: body, cancel: cancel},
		}, nil
	}
}

func (f *GuardedFetcher) do(ctx context.Context, target *validation.ValidatedTarget, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(withPinnedAddrs(ctx, target.Addrs), method, target.URL.String(), nil)
	if err != nil {
		return nil, apperrors.NewInvalidURLError("Invalid URL format", err)
	}

	req.Header.Set("Accept", "image/avif, image/webp, image/png, image/jpeg, image/gif, image/*;q=0.8, */*;q=0.5")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	return f.client.Do(req)
}

// nextHop consumes a 3xx response and returns the validated redirect target
func (f *GuardedFetcher) nextHop(ctx context.Context, current *validation.ValidatedTarget, resp *http.Response, hop int) (*validation.ValidatedTarget, error) {
	location := resp.Header.Get("Location")
	drainAndClose(resp.Body)

	if !f.opts.FollowRedirects {
		return nil, apperrors.NewUpstreamError("Upstream responded with a redirect", resp.StatusCode, nil).
			WithDetails(location)
	}
	if hop >= f.opts.MaxRedirects {
		return nil, apperrors.NewUpstreamError("Too many redirects", resp.StatusCode, nil)
	}
	if location == "" {
		return nil, apperrors.NewUpstreamError("Redirect without a Location header", resp.StatusCode, nil)
	}

	nextURL, err := current.URL.Parse(location)
	if err != nil {
		return nil, apperrors.NewUpstreamError("Redirect to an invalid location", resp.StatusCode, err)
	}
	if f.validator == nil {
		return nil, apperrors.NewInternalError("redirects enabled without a validator", nil)
	}

	next, err := f.validator.ValidateRaw(ctx, nextURL.String())
	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"from": current.URL.String(),
			"to":   nextURL.String(),
			"hop":  hop + 1,
		}).Warn("Redirect target rejected")
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"from": current.URL.String(),
		"to":   next.URL.String(),
		"hop":  hop + 1,
	}).Debug("Following validated redirect")
	return next, nil
}

// ClassifyReadError maps an error from reading a FetchResponse body
func ClassifyReadError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return classifyTransportError(ctx, err)
}

func classifyTransportError(ctx context.Context, err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.NewTimeoutError("Remote resource timed out", err)
	case errors.Is(err, context.Canceled):
		return apperrors.NewTimeoutError("Request cancelled", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperrors.NewTimeoutError("Remote resource timed out", err)
	case errors.Is(err, errBlockedAddress), errors.Is(err, errUnvalidatedTarget):
		return apperrors.NewBlockedHostError("URL is not allowed", err)
	default:
		return apperrors.NewUpstreamError("Failed to reach remote resource", 0, err)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, body, drainLimit)
	_ = body.Close()
}

// limitedBody fails with PayloadTooLarge once more than max bytes are read
type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
	exceeded  bool
}

func newLimitedBody(rc io.ReadCloser, max int64) *limitedBody {
	return &limitedBody{rc: rc, remaining: max}
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.exceeded {
		return 0, errPayloadTooLarge()
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}

	n, err := b.rc.Read(p)
	if int64(n) > b.remaining {
		n = int(b.remaining)
		b.remaining = 0
		b.exceeded = true
		return n, errPayloadTooLarge()
	}
	b.remaining -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error {
	return b.rc.Close()
}

func errPayloadTooLarge() error {
	return apperrors.NewPayloadTooLargeError("Remote resource exceeds the size limit", nil)
}

// cancelOnClose releases the fetch deadline when the body is closed
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

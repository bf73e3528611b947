package repository

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	// decoders available to DecodeConfig
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/anime-shed/image-probe-go/internal/errors"
	"github.com/anime-shed/image-probe-go/internal/storage"
	"github.com/anime-shed/image-probe-go/pkg/validation"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen matches the amount of data mimetype inspects by default
const sniffLen = 3072

// HTTPImageRepository implements ImageRepository on top of a guarded fetcher
type HTTPImageRepository struct {
	fetcher Fetcher
}

// NewHTTPImageRepository creates a new HTTP-based image repository
func NewHTTPImageRepository(fetcher Fetcher) ImageRepository {
	return &HTTPImageRepository{
		fetcher: fetcher,
	}
}

// GetImageMetadata issues a HEAD request. Servers that refuse HEAD with
// 405 or 501 are asked again with GET and only the headers are used.
func (r *HTTPImageRepository) GetImageMetadata(ctx context.Context, target *validation.ValidatedTarget) (*ImageMetadata, error) {
	resp, err := r.fetcher.Fetch(ctx, target, http.MethodHead)
	if headNotSupported(err) {
		resp, err = r.fetcher.Fetch(ctx, target, http.MethodGet)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	contentLength := resp.ContentLength
	if contentLength < 0 {
		contentLength = -1
	}

	return &ImageMetadata{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: contentLength,
	}, nil
}

// GetImageDimensions reads the first bytes of the body to sniff its type and
// decodes the image header. When the fetch succeeds but decoding does not,
// the returned metadata still carries SniffedType alongside the error.
func (r *HTTPImageRepository) GetImageDimensions(ctx context.Context, target *validation.ValidatedTarget) (*ImageMetadata, error) {
	resp, err := r.fetcher.Fetch(ctx, target, http.MethodGet)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	br := bufio.NewReaderSize(resp.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, storage.ClassifyReadError(ctx, err)
	}

	meta := &ImageMetadata{
		ContentLength: -1,
		SniffedType:   mimetype.Detect(head).String(),
	}
	if !strings.HasPrefix(meta.SniffedType, "image/") {
		return meta, fmt.Errorf("%w: sniffed %s", ErrNotAnImage, meta.SniffedType)
	}

	cfg, format, err := image.DecodeConfig(br)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return meta, err
		}
		if ctx.Err() != nil {
			return meta, storage.ClassifyReadError(ctx, err)
		}
		return meta, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	meta.Width = cfg.Width
	meta.Height = cfg.Height
	meta.Format = format
	return meta, nil
}

func headNotSupported(err error) bool {
	appErr, ok := apperrors.As(err)
	if !ok || appErr.Type != apperrors.ErrorTypeUpstream {
		return false
	}
	return appErr.UpstreamStatus == http.StatusMethodNotAllowed ||
		appErr.UpstreamStatus == http.StatusNotImplemented
}

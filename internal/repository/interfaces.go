package repository

import (
	"context"

	"github.com/anime-shed/image-probe-go/internal/storage"
	"github.com/anime-shed/image-probe-go/pkg/validation"
)

// ImageRepository reads metadata about a remote image that has already
// passed validation.
type ImageRepository interface {
	// GetImageMetadata reads the response headers of the target
	GetImageMetadata(ctx context.Context, target *validation.ValidatedTarget) (*ImageMetadata, error)

	// GetImageDimensions downloads just enough of the target to sniff its
	// type and decode its pixel dimensions
	GetImageDimensions(ctx context.Context, target *validation.ValidatedTarget) (*ImageMetadata, error)
}

// Fetcher is the guarded transport the repository reads through
type Fetcher interface {
	Fetch(ctx context.Context, target *validation.ValidatedTarget, method string) (*storage.FetchResponse, error)
}

// ImageMetadata contains metadata about an image.
// ContentLength is -1 when unknown; Width and Height are 0 when unknown.
type ImageMetadata struct {
	ContentType   string
	ContentLength int64
	SniffedType   string
	Width         int
	Height        int
	Format        string
}

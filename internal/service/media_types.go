package service

import (
	"mime"
	"strings"
)

var extensionsByMediaType = map[string]string{
	"image/jpeg":               "jpg",
	"image/jpg":                "jpg",
	"image/pjpeg":              "jpg",
	"image/png":                "png",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/svg+xml":            "svg",
	"image/avif":               "avif",
	"image/bmp":                "bmp",
	"image/x-ms-bmp":           "bmp",
	"image/tiff":               "tiff",
	"image/x-icon":             "ico",
	"image/vnd.microsoft.icon": "ico",
	"image/heic":               "heic",
	"image/heif":               "heif",
}

// NormalizeMediaType strips parameters from a Content-Type value and
// lower-cases it. ok is false when nothing usable remains.
func NormalizeMediaType(contentType string) (string, bool) {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return "", false
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// malformed parameters still leave a usable type
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	typ, subtype, found := strings.Cut(mediaType, "/")
	if !found || typ == "" || subtype == "" {
		return "", false
	}
	return mediaType, true
}

// ExtensionForMediaType maps a normalized media type to a file extension
func ExtensionForMediaType(mediaType string) (string, bool) {
	ext, ok := extensionsByMediaType[mediaType]
	return ext, ok
}

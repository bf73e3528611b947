package validation

import (
	"net/url"
	"strconv"
	"strings"
	"unicode"

	apperrors "github.com/anime-shed/image-probe-go/internal/errors"
)

// MissingURLMessage is returned when the caller supplied no URL at all
const MissingURLMessage = "Missing url parameter"

// URLValidator parses and canonicalizes user-supplied URLs
type URLValidator struct {
	allowedSchemes []string
}

// NewURLValidator creates a new URL validator with default settings
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: []string{"http", "https"},
	}
}

// NewURLValidatorWithOptions creates a URL validator with custom schemes
func NewURLValidatorWithOptions(schemes []string) *URLValidator {
	normalized := make([]string, 0, len(schemes))
	for _, s := range schemes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			normalized = append(normalized, s)
		}
	}
	return &URLValidator{allowedSchemes: normalized}
}

// Normalize parses raw into an absolute http(s) URL. It performs no I/O.
func (v *URLValidator) Normalize(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperrors.NewInvalidURLError(MissingURLMessage, nil)
	}

	if containsAmbiguousChars(raw) {
		return nil, apperrors.NewInvalidURLError("URL contains invalid characters", nil)
	}

	parsedURL, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.NewInvalidURLError("Invalid URL format", err)
	}

	if parsedURL.Scheme == "" || parsedURL.Opaque != "" {
		return nil, apperrors.NewInvalidURLError("URL must be absolute", nil)
	}

	parsedURL.Scheme = strings.ToLower(parsedURL.Scheme)
	if !v.isSchemeAllowed(parsedURL.Scheme) {
		return nil, apperrors.NewInvalidURLError("URL scheme not allowed", nil)
	}

	if parsedURL.User != nil {
		return nil, apperrors.NewInvalidURLError("URL must not contain credentials", nil)
	}

	hostname := strings.TrimSuffix(strings.ToLower(parsedURL.Hostname()), ".")
	if hostname == "" {
		return nil, apperrors.NewInvalidURLError("URL must have a valid host", nil)
	}

	port := parsedURL.Port()
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, apperrors.NewInvalidURLError("URL port is invalid", err)
		}
	}

	parsedURL.Host = joinHost(hostname, port)
	parsedURL.Fragment = ""
	parsedURL.RawFragment = ""

	return parsedURL, nil
}

// isSchemeAllowed checks if the URL scheme is in the allowed list
func (v *URLValidator) isSchemeAllowed(scheme string) bool {
	for _, allowed := range v.allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

// containsAmbiguousChars rejects input that different URL parsers disagree on
func containsAmbiguousChars(raw string) bool {
	for _, r := range raw {
		if r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func joinHost(hostname, port string) string {
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname
	}
	return hostname + ":" + port
}

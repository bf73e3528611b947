package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	apperrors "github.com/anime-shed/image-probe-go/internal/errors"

	"github.com/sirupsen/logrus"
)

// blockedHostMessage is the only detail callers see for a blocked host
const blockedHostMessage = "URL is not allowed"

// DefaultBlockedHostnames are names rejected without a DNS lookup
var DefaultBlockedHostnames = []string{
	"localhost",
	"metadata",
	"metadata.google.internal",
}

// Resolver resolves a hostname to every address it currently maps to.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ValidatedTarget is a URL whose every reachable address passed the SSRF policy
type ValidatedTarget struct {
	URL *url.URL
	// Hostname is the host as written in the URL, used for logging and TLS.
	Hostname string
	// Addrs are the addresses that were checked; connections must use only these.
	Addrs []netip.Addr
}

// ValidatorOptions configures an SSRFValidator
type ValidatorOptions struct {
	AllowedSchemes   []string
	BlockedHostnames []string
}

// SSRFValidator decides whether a URL may be fetched on behalf of a user
type SSRFValidator struct {
	urlValidator     *URLValidator
	allowedSchemes   map[string]bool
	blockedHostnames []string
	resolver         Resolver
	logger           *logrus.Logger
}

// NewSSRFValidator builds a validator. Default hostnames are always blocked;
// opts.BlockedHostnames extends the list.
func NewSSRFValidator(opts ValidatorOptions, resolver Resolver, logger *logrus.Logger) *SSRFValidator {
	schemes := opts.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	urlValidator := NewURLValidatorWithOptions(schemes)

	allowed := make(map[string]bool, len(urlValidator.allowedSchemes))
	for _, s := range urlValidator.allowedSchemes {
		allowed[s] = true
	}

	blocked := make([]string, 0, len(DefaultBlockedHostnames)+len(opts.BlockedHostnames))
	for _, name := range append(append([]string{}, DefaultBlockedHostnames...), opts.BlockedHostnames...) {
		name = strings.Trim(strings.ToLower(strings.TrimSpace(name)), ".")
		if name != "" {
			blocked = append(blocked, name)
		}
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &SSRFValidator{
		urlValidator:     urlValidator,
		allowedSchemes:   allowed,
		blockedHostnames: blocked,
		resolver:         resolver,
		logger:           logger,
	}
}

// ValidateRaw normalizes raw and validates the result
func (v *SSRFValidator) ValidateRaw(ctx context.Context, raw string) (*ValidatedTarget, error) {
	u, err := v.urlValidator.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return v.Validate(ctx, u)
}

// Validate checks the scheme and every address the host maps to. Literal IPs
// are classified directly and never resolved. Nothing is cached: each call
// reflects current DNS.
func (v *SSRFValidator) Validate(ctx context.Context, u *url.URL) (*ValidatedTarget, error) {
	if u == nil {
		return nil, apperrors.NewInvalidURLError("Invalid URL format", nil)
	}
	if !v.allowedSchemes[strings.ToLower(u.Scheme)] {
		return nil, apperrors.NewInvalidURLError("URL scheme not allowed", nil)
	}

	hostname := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if hostname == "" {
		return nil, apperrors.NewInvalidURLError("URL must have a valid host", nil)
	}

	if addr, ok := ParseHostIP(hostname); ok {
		addr = addr.WithZone("")
		if class := ClassifyAddr(addr); class != ClassPublic {
			return nil, v.blocked(hostname, fmt.Sprintf("literal %s address %s", class, addr))
		}

		canonical := *u
		canonical.Host = joinHost(addr.Unmap().String(), u.Port())
		return &ValidatedTarget{
			URL:      &canonical,
			Hostname: hostname,
			Addrs:    []netip.Addr{addr.Unmap()},
		}, nil
	}

	if name, ok := v.matchBlockedHostname(hostname); ok {
		return nil, v.blocked(hostname, "hostname matches denylist entry "+name)
	}

	if v.resolver == nil {
		return nil, apperrors.NewInternalError("no resolver configured", nil)
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", hostname)
	if err != nil {
		var dnsErr *net.DNSError
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded),
			errors.As(err, &dnsErr) && dnsErr.IsTimeout:
			return nil, apperrors.NewTimeoutError("DNS lookup timed out", err)
		case errors.Is(err, context.Canceled):
			return nil, apperrors.NewTimeoutError("DNS lookup cancelled", err)
		}
		return nil, apperrors.NewResolutionError("Could not resolve host", err).WithDetails(hostname)
	}
	if len(addrs) == 0 {
		return nil, apperrors.NewResolutionError("Could not resolve host", nil).WithDetails(hostname)
	}

	validated := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		// One blocked address is enough for a rebinding attack.
		if class := ClassifyAddr(addr); class != ClassPublic {
			return nil, v.blocked(hostname, fmt.Sprintf("resolves to %s address %s", class, addr))
		}
		validated = append(validated, addr.WithZone("").Unmap())
	}

	return &ValidatedTarget{
		URL:      u,
		Hostname: hostname,
		Addrs:    validated,
	}, nil
}

// matchBlockedHostname matches exact names and any subdomain of them
func (v *SSRFValidator) matchBlockedHostname(hostname string) (string, bool) {
	for _, name := range v.blockedHostnames {
		if hostname == name || strings.HasSuffix(hostname, "."+name) {
			return name, true
		}
	}
	return "", false
}

func (v *SSRFValidator) blocked(hostname, reason string) *apperrors.AppError {
	v.logger.WithFields(logrus.Fields{
		"hostname": hostname,
		"reason":   reason,
	}).Warn("Blocked outbound target")
	return apperrors.NewBlockedHostError(blockedHostMessage, nil).WithDetails(reason)
}

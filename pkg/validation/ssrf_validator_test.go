package validation

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"net/url"
	"sync"
	"testing"

	apperrors "github.com/anime-shed/image-probe-go/internal/errors"

	"github.com/sirupsen/logrus"
)

// fakeResolver returns canned answers and records every lookup
type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	err     error
	calls   []string
}

func (r *fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	r.mu.Lock()
	r.calls = append(r.calls, network+":"+host)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	raw, ok := r.answers[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	addrs := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		addrs = append(addrs, netip.MustParseAddr(s))
	}
	return addrs, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestValidator(resolver *fakeResolver, extraBlocked ...string) *SSRFValidator {
	return NewSSRFValidator(ValidatorOptions{
		AllowedSchemes:   []string{"http", "https"},
		BlockedHostnames: extraBlocked,
	}, resolver, quietLogger())
}

func TestValidate_BlockedLiteralIPv4_NoDNS(t *testing.T) {
	hosts := []string{
		"127.0.0.1", "127.8.9.10",
		"10.0.0.1", "10.200.1.1",
		"172.16.0.1", "172.31.0.5",
		"192.168.0.1", "192.168.255.254",
		"169.254.169.254", "169.254.0.1",
		"0.0.0.0",
		"224.0.0.1", "239.1.2.3",
		// legacy encodings of loopback and metadata addresses
		"2130706433", "0177.0.0.1", "0x7f.0.0.1", "127.1", "0xa9fea9fe",
	}

	for _, host := range hosts {
		t.Run(host, func(t *testing.T) {
			resolver := &fakeResolver{}
			v := newTestValidator(resolver)

			_, err := v.ValidateRaw(context.Background(), "http://"+host+"/x")
			if !apperrors.IsType(err, apperrors.ErrorTypeBlockedHost) {
				t.Fatalf("Expected blocked_host for %s, got %v", host, err)
			}
			if resolver.callCount() != 0 {
				t.Errorf("Expected no DNS lookup for literal %s, got %d", host, resolver.callCount())
			}
		})
	}
}

func TestValidate_BlockedLiteralIPv6(t *testing.T) {
	hosts := []string{
		"[::1]", "[::]", "[fc00::1]", "[fdff:ffff::1]", "[fe80::1]",
		"[::ffff:127.0.0.1]", "[::ffff:a9fe:a9fe]", "[ff02::1]",
	}

	for _, host := range hosts {
		t.Run(host, func(t *testing.T) {
			resolver := &fakeResolver{}
			v := newTestValidator(resolver)

			_, err := v.ValidateRaw(context.Background(), "https://"+host+"/cover.png")
			if !apperrors.IsType(err, apperrors.ErrorTypeBlockedHost) {
				t.Fatalf("Expected blocked_host for %s, got %v", host, err)
			}
			if resolver.callCount() != 0 {
				t.Errorf("Expected no DNS lookup for %s", host)
			}
		})
	}
}

func TestValidate_PublicLiteralIP_NoDNS(t *testing.T) {
	resolver := &fakeResolver{}
	v := newTestValidator(resolver)

	target, err := v.ValidateRaw(context.Background(), "http://8.8.8.8/image.png")
	if err != nil {
		t.Fatalf("Expected public literal to pass, got %v", err)
	}
	if resolver.callCount() != 0 {
		t.Errorf("Expected DNS to never be invoked, got %d calls", resolver.callCount())
	}
	if target.Hostname != "8.8.8.8" {
		t.Errorf("Expected hostname 8.8.8.8, got %s", target.Hostname)
	}
	if len(target.Addrs) != 1 || target.Addrs[0] != netip.MustParseAddr("8.8.8.8") {
		t.Errorf("Unexpected addresses: %v", target.Addrs)
	}

	// legacy decimal form is canonicalized in the target URL
	target, err = v.ValidateRaw(context.Background(), "http://134744072/image.png")
	if err != nil {
		t.Fatalf("Expected decimal public literal to pass, got %v", err)
	}
	if target.URL.Host != "8.8.8.8" {
		t.Errorf("Expected canonical host 8.8.8.8, got %s", target.URL.Host)
	}

	target, err = v.ValidateRaw(context.Background(), "https://[2606:4700:4700::1111]:8443/a.png")
	if err != nil {
		t.Fatalf("Expected public IPv6 literal to pass, got %v", err)
	}
	if target.URL.Host != "[2606:4700:4700::1111]:8443" {
		t.Errorf("Unexpected host %s", target.URL.Host)
	}
	if resolver.callCount() != 0 {
		t.Errorf("Expected DNS to never be invoked")
	}
}

func TestValidate_BlockedHostnames_NoDNS(t *testing.T) {
	hosts := []string{
		"localhost", "LOCALHOST", "localhost.", "api.localhost",
		"metadata", "metadata.google.internal", "Metadata.Google.Internal",
		"internal.corp.example",
	}

	for _, host := range hosts {
		t.Run(host, func(t *testing.T) {
			resolver := &fakeResolver{answers: map[string][]string{host: {"8.8.8.8"}}}
			v := newTestValidator(resolver, "corp.example")

			_, err := v.ValidateRaw(context.Background(), "http://"+host+"/x")
			if !apperrors.IsType(err, apperrors.ErrorTypeBlockedHost) {
				t.Fatalf("Expected blocked_host for %s, got %v", host, err)
			}
			if resolver.callCount() != 0 {
				t.Errorf("Expected no DNS lookup for denylisted %s", host)
			}
		})
	}
}

func TestValidate_DenylistIsNotSubstringMatch(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{
		"notlocalhost.com": {"93.184.216.34"},
		"metadata.cdn.com": {"93.184.216.34"},
		"mylocalhost":      {"93.184.216.34"},
	}}
	v := newTestValidator(resolver)

	for host := range resolver.answers {
		if _, err := v.ValidateRaw(context.Background(), "https://"+host+"/a.jpg"); err != nil {
			t.Errorf("Expected %s to pass, got %v", host, err)
		}
	}
}

func TestValidate_PublicHostname(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{
		"example.com": {"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"},
	}}
	v := newTestValidator(resolver)

	target, err := v.ValidateRaw(context.Background(), "https://Example.com/cover.jpg")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if target.Hostname != "example.com" {
		t.Errorf("Expected hostname example.com, got %s", target.Hostname)
	}
	if target.URL.String() != "https://example.com/cover.jpg" {
		t.Errorf("Unexpected URL %s", target.URL)
	}
	if len(target.Addrs) != 2 {
		t.Errorf("Expected both resolved addresses, got %v", target.Addrs)
	}
	if resolver.calls[0] != "ip:example.com" {
		t.Errorf("Expected lookup for both families, got %s", resolver.calls[0])
	}
}

func TestValidate_MixedResolution_Blocked(t *testing.T) {
	tests := map[string][]string{
		"rebind.example":   {"93.184.216.34", "127.0.0.1"},
		"private6.example": {"93.184.216.34", "fd00::1"},
		"mapped.example":   {"::ffff:10.0.0.1"},
		"meta.example":     {"169.254.169.254"},
	}

	for host, answers := range tests {
		t.Run(host, func(t *testing.T) {
			resolver := &fakeResolver{answers: map[string][]string{host: answers}}
			v := newTestValidator(resolver)

			_, err := v.ValidateRaw(context.Background(), "http://"+host+"/")
			if !apperrors.IsType(err, apperrors.ErrorTypeBlockedHost) {
				t.Fatalf("Expected blocked_host, got %v", err)
			}
			appErr, _ := apperrors.As(err)
			if appErr.Message != blockedHostMessage {
				t.Errorf("Expected generic message, got %q", appErr.Message)
			}
		})
	}
}

func TestValidate_ResolutionFailure(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{}}
	v := newTestValidator(resolver)

	_, err := v.ValidateRaw(context.Background(), "https://does-not-exist.example/a.png")
	if !apperrors.IsType(err, apperrors.ErrorTypeResolutionFailure) {
		t.Fatalf("Expected resolution_failure, got %v", err)
	}

	empty := &fakeResolver{answers: map[string][]string{"empty.example": {}}}
	v = newTestValidator(empty)
	_, err = v.ValidateRaw(context.Background(), "https://empty.example/a.png")
	if !apperrors.IsType(err, apperrors.ErrorTypeResolutionFailure) {
		t.Fatalf("Expected resolution_failure for empty answer, got %v", err)
	}
}

func TestValidate_ResolutionTimeout(t *testing.T) {
	resolver := &fakeResolver{err: context.DeadlineExceeded}
	v := newTestValidator(resolver)

	_, err := v.ValidateRaw(context.Background(), "https://slow.example/a.png")
	if !apperrors.IsType(err, apperrors.ErrorTypeTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Expected cause to be preserved")
	}
}

func TestValidate_InvalidInput_NoDNS(t *testing.T) {
	inputs := []string{"", "not-a-url", "ftp://host/resource", "file:///etc/passwd"}

	for _, input := range inputs {
		resolver := &fakeResolver{}
		v := newTestValidator(resolver)

		_, err := v.ValidateRaw(context.Background(), input)
		if !apperrors.IsType(err, apperrors.ErrorTypeInvalidURL) {
			t.Errorf("Expected invalid_url for %q, got %v", input, err)
		}
		if resolver.callCount() != 0 {
			t.Errorf("Expected no DNS lookup for %q", input)
		}
	}
}

func TestValidate_SchemeCheckedOnParsedURL(t *testing.T) {
	v := newTestValidator(&fakeResolver{})
	u := mustParse(t, "gopher://example.com/")

	_, err := v.Validate(context.Background(), u)
	if !apperrors.IsType(err, apperrors.ErrorTypeInvalidURL) {
		t.Fatalf("Expected invalid_url, got %v", err)
	}
}

func TestValidate_NotCached(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{"flip.example": {"93.184.216.34"}}}
	v := newTestValidator(resolver)
	ctx := context.Background()

	first, err := v.ValidateRaw(ctx, "https://flip.example/a.png")
	if err != nil {
		t.Fatalf("first validation failed: %v", err)
	}
	second, err := v.ValidateRaw(ctx, "https://flip.example/a.png")
	if err != nil {
		t.Fatalf("second validation failed: %v", err)
	}
	if first.URL.String() != second.URL.String() || first.Hostname != second.Hostname {
		t.Error("Expected identical outcomes for stable DNS")
	}

	// DNS rebinds: the next call must see it
	resolver.mu.Lock()
	resolver.answers["flip.example"] = []string{"10.0.0.5"}
	resolver.mu.Unlock()

	_, err = v.ValidateRaw(ctx, "https://flip.example/a.png")
	if !apperrors.IsType(err, apperrors.ErrorTypeBlockedHost) {
		t.Fatalf("Expected rebinding to be caught, got %v", err)
	}
	if resolver.callCount() != 3 {
		t.Errorf("Expected a lookup per call, got %d", resolver.callCount())
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

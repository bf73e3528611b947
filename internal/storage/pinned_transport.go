package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/anime-shed/image-probe-go/pkg/validation"
)

var (
	errUnvalidatedTarget = errors.New("refusing to dial a target that was not validated")
	errBlockedAddress    = errors.New("refusing to dial a blocked address")
)

type pinnedAddrsKey struct{}

// withPinnedAddrs attaches the validated addresses a request may connect to
func withPinnedAddrs(ctx context.Context, addrs []netip.Addr) context.Context {
	return context.WithValue(ctx, pinnedAddrsKey{}, addrs)
}

func pinnedAddrs(ctx context.Context) []netip.Addr {
	addrs, _ := ctx.Value(pinnedAddrsKey{}).([]netip.Addr)
	return addrs
}

// pinnedDialer connects only to addresses pinned on the request context, so the
// connection goes where validation looked and a second DNS answer is never used.
type pinnedDialer struct {
	dialer    *net.Dialer
	isBlocked func(netip.Addr) bool
}

func (d *pinnedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", address, err)
	}

	addrs := pinnedAddrs(ctx)
	if len(addrs) == 0 {
		return nil, errUnvalidatedTarget
	}

	var lastErr error
	for _, addr := range addrs {
		if d.isBlocked(addr) {
			lastErr = fmt.Errorf("%w: %s", errBlockedAddress, addr)
			continue
		}
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// control re-checks the socket address right before connect
func (d *pinnedDialer) control(_, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %w", errBlockedAddress, err)
	}
	if d.isBlocked(addrPort.Addr()) {
		return fmt.Errorf("%w: %s", errBlockedAddress, addrPort.Addr())
	}
	return nil
}

// NewPinnedClient returns the production HTTP client for guarded fetches.
// Redirects are surfaced to the caller instead of followed, environment
// proxies are ignored and connections are never reused across requests.
func NewPinnedClient(opts FetchOptions) *http.Client {
	return newPinnedClient(opts, validation.IsBlockedAddr)
}

func newPinnedClient(opts FetchOptions, isBlocked func(netip.Addr) bool) *http.Client {
	d := &pinnedDialer{isBlocked: isBlocked}
	d.dialer = &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: -1,
		Control:   d.control,
	}

	transport := &http.Transport{
		Proxy:       nil,
		DialContext: d.DialContext,

		DisableKeepAlives: true,
		MaxIdleConns:      0,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 16 << 10,
		ForceAttemptHTTP2:      true,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

package validation

import (
	"net/netip"
	"strconv"
	"strings"
)

// AddressClass categorizes an IP address for outbound-request policy
type AddressClass int

const (
	ClassPublic AddressClass = iota
	ClassLoopback
	ClassPrivate
	ClassLinkLocal
	ClassMulticast
	ClassUnspecified
	ClassReserved
	ClassInvalid
)

func (c AddressClass) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassLoopback:
		return "loopback"
	case ClassPrivate:
		return "private"
	case ClassLinkLocal:
		return "link-local"
	case ClassMulticast:
		return "multicast"
	case ClassUnspecified:
		return "unspecified"
	case ClassReserved:
		return "reserved"
	default:
		return "invalid"
	}
}

// thisNetwork is 0.0.0.0/8; netip only reports 0.0.0.0 itself as unspecified.
var thisNetwork = netip.MustParsePrefix("0.0.0.0/8")

// reservedPrefixes are ranges not covered by the netip.Addr helpers
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),   // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),     // class E and broadcast
	netip.MustParsePrefix("::/96"),           // IPv4-compatible (deprecated)
	netip.MustParsePrefix("64:ff9b:1::/48"),  // local-use NAT64
	netip.MustParsePrefix("100::/64"),        // discard-only
	netip.MustParsePrefix("2001::/23"),       // IETF protocol assignments, Teredo
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
	netip.MustParsePrefix("fec0::/10"),       // site-local (deprecated)
}

var (
	nat64Prefix = netip.MustParsePrefix("64:ff9b::/96")
	sixToFour   = netip.MustParsePrefix("2002::/16")
)

// ClassifyAddr returns the class of addr. IPv4-mapped IPv6 addresses are
// classified as the IPv4 address they carry, and IPv6 forms that embed an
// IPv4 address (NAT64, 6to4) take the class of the embedded address when it
// is not public.
func ClassifyAddr(addr netip.Addr) AddressClass {
	if !addr.IsValid() {
		return ClassInvalid
	}
	addr = addr.WithZone("").Unmap()

	switch {
	case addr.IsUnspecified():
		return ClassUnspecified
	case addr.IsLoopback():
		return ClassLoopback
	}

	if embedded, ok := embeddedIPv4(addr); ok {
		if class := ClassifyAddr(embedded); class != ClassPublic {
			return class
		}
	}

	switch {
	case addr.Is4() && thisNetwork.Contains(addr):
		return ClassUnspecified
	case addr.IsPrivate():
		return ClassPrivate
	case addr.IsLinkLocalUnicast():
		return ClassLinkLocal
	case addr.IsMulticast(), addr.IsLinkLocalMulticast(), addr.IsInterfaceLocalMulticast():
		return ClassMulticast
	}

	for _, prefix := range reservedPrefixes {
		if prefix.Contains(addr) {
			return ClassReserved
		}
	}

	if !addr.IsGlobalUnicast() {
		return ClassReserved
	}
	return ClassPublic
}

// IsBlockedAddr reports whether outbound connections to addr are disallowed
func IsBlockedAddr(addr netip.Addr) bool {
	return ClassifyAddr(addr) != ClassPublic
}

func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()
	switch {
	case nat64Prefix.Contains(addr):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case sixToFour.Contains(addr):
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	}
	return netip.Addr{}, false
}

// ParseHostIP reports whether host is an IP literal and returns the address.
// Besides standard IPv4/IPv6 text it accepts the legacy inet_aton forms that
// many resolvers still honour: a single 32-bit number (2130706433), octal
// (0177.0.0.1) or hex (0x7f.0.0.1) components, and short forms (127.1).
func ParseHostIP(host string) (netip.Addr, bool) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return netip.Addr{}, false
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	// Zoned IPv6 such as fe80::1%25eth0 after unescaping
	if i := strings.IndexByte(host, '%'); i > 0 {
		if addr, err := netip.ParseAddr(host[:i]); err == nil && addr.Is6() {
			return addr, true
		}
	}

	return parseLegacyIPv4(host)
}

func parseLegacyIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}

	values := make([]uint64, len(parts))
	for i, part := range parts {
		v, err := parseIntWithBase(part)
		if err != nil {
			return netip.Addr{}, false
		}
		values[i] = v
	}

	// Every component but the last is one byte; the last fills the rest.
	last := len(values) - 1
	for _, v := range values[:last] {
		if v > 0xff {
			return netip.Addr{}, false
		}
	}
	remaining := uint(4 - last)
	if values[last] >= 1<<(8*remaining) {
		return netip.Addr{}, false
	}

	var n uint32
	for i, v := range values[:last] {
		n |= uint32(v) << (8 * uint(3-i))
	}
	n |= uint32(values[last])

	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}

// parseIntWithBase parses a decimal, octal (0-prefixed) or hex (0x-prefixed) component
func parseIntWithBase(s string) (uint64, error) {
	switch {
	case s == "":
		return 0, strconv.ErrSyntax
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		if len(s) == 2 {
			return 0, nil
		}
		return strconv.ParseUint(s[2:], 16, 32)
	case len(s) > 1 && s[0] == '0':
		return strconv.ParseUint(s[1:], 8, 32)
	default:
		return strconv.ParseUint(s, 10, 32)
	}
}

// network.go implements the destination guard for outbound fetch tools.
// Hostnames are resolved before the check so a public name pointing at a
// private address is still refused; Control re-checks the address actually
// dialed to cover DNS rebinding between check and connect.
package policy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrNetworkDenied is returned for destinations the guard refuses.
var ErrNetworkDenied = errors.New("network destination denied")

// builtinBlockedHosts are refused regardless of configuration.
var builtinBlockedHosts = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
}

var blockedPrefixes = []struct {
	prefix  netip.Prefix
	label   string
	private bool
}{
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback", false},
	{netip.MustParsePrefix("0.0.0.0/8"), "unspecified", false},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local", false},
	{netip.MustParsePrefix("10.0.0.0/8"), "private", true},
	{netip.MustParsePrefix("172.16.0.0/12"), "private", true},
	{netip.MustParsePrefix("192.168.0.0/16"), "private", true},
	{netip.MustParsePrefix("100.64.0.0/10"), "shared address space", true},
	{netip.MustParsePrefix("::1/128"), "loopback", false},
	{netip.MustParsePrefix("::/128"), "unspecified", false},
	{netip.MustParsePrefix("fe80::/10"), "link-local", false},
	{netip.MustParsePrefix("fc00::/7"), "unique local", true},
}

// NetworkConfig configures the destination guard.
type NetworkConfig struct {
	// AllowPrivate permits RFC 1918, CGNAT and IPv6 ULA destinations.
	// Loopback and link-local stay blocked unless the host is allow-listed.
	AllowPrivate bool `yaml:"allow_private"`

	// AllowHosts are host names or IP literals exempt from address checks.
	AllowHosts []string `yaml:"allow_hosts"`

	// BlockHosts are always refused, even when allow-listed.
	BlockHosts []string `yaml:"block_hosts"`
}

// DefaultNetworkConfig blocks every non-public destination.
func DefaultNetworkConfig() NetworkConfig { return NetworkConfig{} }

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NetworkGuard validates outbound URLs.
type NetworkGuard struct {
	cfg      NetworkConfig
	allow    map[string]bool
	block    map[string]bool
	resolver Resolver
	logger   *slog.Logger
}

// NewNetworkGuard builds a guard. A nil resolver uses net.DefaultResolver.
func NewNetworkGuard(cfg NetworkConfig, resolver Resolver, logger *slog.Logger) *NetworkGuard {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	g := &NetworkGuard{
		cfg:      cfg,
		allow:    make(map[string]bool),
		block:    make(map[string]bool),
		resolver: resolver,
		logger:   logger.With("component", "network_guard"),
	}
	for _, h := range cfg.AllowHosts {
		g.allow[strings.ToLower(strings.TrimSpace(h))] = true
	}
	for _, h := range builtinBlockedHosts {
		g.block[h] = true
	}
	for _, h := range cfg.BlockHosts {
		g.block[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return g
}

// Check validates rawURL: scheme, host lists, literal format and every
// resolved address.
func (g *NetworkGuard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrNetworkDenied, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return g.deny(rawURL, "scheme %q not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return g.deny(rawURL, "no host in URL")
	}
	if g.block[host] {
		return g.deny(rawURL, "host %s is blocked", host)
	}
	if g.allow[host] {
		return nil
	}
	if err := validateIPv4Literal(host); err != nil {
		return g.deny(rawURL, "%v", err)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return g.checkAddr(addr, rawURL)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s: %v", ErrNetworkDenied, host, err)
	}
	if len(addrs) == 0 {
		return g.deny(rawURL, "host %s has no addresses", host)
	}
	for _, a := range addrs {
		if err := g.checkAddr(a, rawURL); err != nil {
			return err
		}
	}
	return nil
}

// Control is a net.Dialer Control hook that re-checks the dialed address.
func (g *NetworkGuard) Control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkDenied, err)
	}
	if g.allow[strings.ToLower(host)] {
		return nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %q", ErrNetworkDenied, host)
	}
	return g.checkAddr(addr, address)
}

func (g *NetworkGuard) checkAddr(addr netip.Addr, target string) error {
	addr = addr.Unmap()
	if g.allow[addr.String()] {
		return nil
	}
	if embedded, ok := embeddedIPv4(addr); ok {
		if err := g.checkAddr(embedded, target); err != nil {
			return fmt.Errorf("IPv6 transition address %s: %w", addr, err)
		}
	}
	for _, bp := range blockedPrefixes {
		if !bp.prefix.Contains(addr) {
			continue
		}
		if bp.private && g.cfg.AllowPrivate {
			return nil
		}
		return g.deny(target, "%s address %s", bp.label, addr)
	}
	return nil
}

func (g *NetworkGuard) deny(target, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	g.logger.Warn("outbound request blocked", "target", target, "reason", reason)
	return fmt.Errorf("%w: %s", ErrNetworkDenied, reason)
}

// validateIPv4Literal refuses octal, hex, short and packed IPv4 forms that
// some resolvers expand to loopback.
func validateIPv4Literal(host string) error {
	if !isPossibleIPv4Literal(host) {
		return nil
	}
	if strings.Contains(host, "0x") {
		return errors.New("hex IPv4 notation not allowed")
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return errors.New("non-canonical IPv4 notation not allowed")
	}
	for _, part := range parts {
		if part == "" {
			return errors.New("empty octet in IPv4 address")
		}
		if len(part) > 1 && part[0] == '0' {
			return errors.New("octal IPv4 notation not allowed")
		}
		val := 0
		for _, c := range part {
			if c < '0' || c > '9' {
				return errors.New("invalid character in IPv4 address")
			}
			val = val*10 + int(c-'0')
		}
		if val > 255 {
			return errors.New("IPv4 octet out of range")
		}
	}
	return nil
}

func isPossibleIPv4Literal(host string) bool {
	digits := 0
	for _, c := range host {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' || c == 'x':
		default:
			return false
		}
	}
	return digits > 0
}

// embeddedIPv4 extracts the IPv4 address carried by NAT64, 6to4, Teredo and
// ISATAP addresses.
func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()
	switch {
	case b[0] == 0x00 && b[1] == 0x64 && b[2] == 0xff && b[3] == 0x9b && isZero(b[4:12]):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case b[0] == 0x20 && b[1] == 0x02:
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	case b[0] == 0x20 && b[1] == 0x01 && b[2] == 0x00 && b[3] == 0x00:
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], binary.BigEndian.Uint32(b[12:16])^0xFFFFFFFF)
		return netip.AddrFrom4(out), true
	case b[10] == 0x5e && b[11] == 0xfe:
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	}
	return netip.Addr{}, false
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strings"
)

// cgnat is the carrier-grade NAT range, routable only inside a provider.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// IsBlockedAddr reports whether ip is a target that network transports
// refuse unless private access is explicitly permitted: loopback,
// private, link-local, unspecified, multicast, and CGNAT ranges.
func IsBlockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return !ip.IsValid() ||
		ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		cgnat.Contains(ip)
}

// CheckDialAddress validates a resolved "host:port" at connect time.
// Hostname checks in ValidateURL can be raced by DNS rebinding; this
// catches the address actually dialed.
func CheckDialAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("parse dial address %q: %w", address, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial address %q is not an IP", address)
	}
	if IsBlockedAddr(ip) {
		return fmt.Errorf("connection to private address %s blocked by security policy", ip)
	}
	return nil
}

// ValidateURL vets a network transport target: scheme allow-list, a
// host, and (unless allowPrivate or the policy permits it) no loopback,
// link-local, or private destination, including via DNS.
func (p *Policy) ValidateURL(ctx context.Context, raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(p.AllowedSchemes, scheme) {
		return fmt.Errorf("url scheme %q not allowed (allowed: %s)", u.Scheme, strings.Join(p.AllowedSchemes, ", "))
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if u.User != nil {
		return errors.New("url must not embed credentials; use headers or oauth")
	}
	if allowPrivate || p.AllowPrivate {
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("target %s is a loopback host", host)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(ip) {
			return fmt.Errorf("target %s is a private or local address", ip)
		}
		return nil
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		// Unresolvable now; the dial-time guard still applies when the
		// transport connects.
		return nil
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		if IsBlockedAddr(ip) {
			return fmt.Errorf("target %s resolves to private address %s", host, ip.Unmap())
		}
	}
	return nil
}

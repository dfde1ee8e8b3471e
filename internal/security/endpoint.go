package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrEndpointRejected is wrapped by every EndpointPolicy refusal.
var ErrEndpointRejected = errors.New("webhook endpoint not allowed")

// Ranges that are public on paper but never host a subscriber.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"), // NAT64 can reach internal v4
}

var blockedSuffixes = []string{".localhost", ".internal", ".local", ".home.arpa"}

// EndpointPolicy decides which URLs may receive signed escrow events.
// It runs when a subscription is created and again before every delivery,
// so a host that later resolves inward is caught at send time.
type EndpointPolicy struct {
	requireHTTPS bool
	timeout      time.Duration
	lookup       func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewEndpointPolicy returns a policy that only accepts https URLs when
// requireHTTPS is set. Production deployments set it.
func NewEndpointPolicy(requireHTTPS bool) *EndpointPolicy {
	return &EndpointPolicy{
		requireHTTPS: requireHTTPS,
		timeout:      3 * time.Second,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

// RequireHTTPS reports whether plain http URLs are refused.
func (p *EndpointPolicy) RequireHTTPS() bool { return p.requireHTTPS }

// Check returns an error wrapping ErrEndpointRejected if rawURL may not
// receive deliveries.
func (p *EndpointPolicy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return reject("URL must be absolute")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.requireHTTPS {
			return reject("URL scheme must be https")
		}
	default:
		return reject("URL scheme must be http or https")
	}
	// Subscription URLs are echoed back in listings and logs.
	if u.User != nil {
		return reject("URL must not embed credentials")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return reject("URL must have a host")
	}
	if host == "localhost" {
		return reject(fmt.Sprintf("host %q is internal", host))
	}
	for _, s := range blockedSuffixes {
		if strings.HasSuffix(host, s) {
			return reject(fmt.Sprintf("host %q is internal", host))
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	addrs, err := p.lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return reject(fmt.Sprintf("cannot resolve host %q", host))
	}
	// Every answer must be public: a resolver may rotate between them.
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("host %q: %w", host, err)
		}
	}
	return nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return reject("loopback addresses are not allowed")
	case a.IsPrivate():
		return reject("private addresses are not allowed")
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return reject("link-local addresses are not allowed")
	case a.IsUnspecified():
		return reject("unspecified addresses are not allowed")
	case a.IsMulticast():
		return reject("multicast addresses are not allowed")
	}
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return reject(fmt.Sprintf("address %s is not routable", a))
		}
	}
	return nil
}

func reject(reason string) error {
	return fmt.Errorf("%w: %s", ErrEndpointRejected, reason)
}

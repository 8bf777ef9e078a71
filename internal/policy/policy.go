// Package policy evaluates connection and authentication policy: the
// subnet allow-list that gates outbound dials, and the auth-method policy
// that decides which credential mechanisms may be tried.
package policy

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/billchurch/webssh2-sub005/internal/errs"
	"github.com/billchurch/webssh2-sub005/internal/logutil"
)

// ParseSubnets parses CIDR ranges and single IPs into networks. Single IPs
// become /32 (IPv4) or /128 (IPv6). Empty input returns nil, meaning
// allow-all.
func ParseSubnets(entries []string) ([]*net.IPNet, error) {
	var networks []*net.IPNet
	for _, part := range entries {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// Resolver looks up host addresses; *net.Resolver satisfies it. Tests
// substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SubnetChecker gates dial targets against an allow-list of networks.
type SubnetChecker struct {
	networks []*net.IPNet
	resolver Resolver
}

// NewSubnetChecker builds a checker from CIDR/IP strings. An empty list
// produces a checker that allows every target.
func NewSubnetChecker(entries []string, resolver Resolver) (*SubnetChecker, error) {
	networks, err := ParseSubnets(entries)
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &SubnetChecker{networks: networks, resolver: resolver}, nil
}

// Enabled reports whether an allow-list is configured.
func (c *SubnetChecker) Enabled() bool {
	return len(c.networks) > 0
}

// CheckHost resolves host and verifies that at least one resolved address
// lies inside the allowed set. Hosts that are IP literals skip resolution.
// Returns POLICY_SUBNET_BLOCKED when no address qualifies.
func (c *SubnetChecker) CheckHost(ctx context.Context, host string) error {
	if !c.Enabled() {
		return nil
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := c.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return errs.Wrap(errs.CodeConnUnreachable, fmt.Sprintf("resolve %s", logutil.SanitizeForLog(host)), err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}

	for _, ip := range ips {
		for _, network := range c.networks {
			if network.Contains(ip) {
				return nil
			}
		}
	}
	return errs.Newf(errs.CodePolicySubnetBlocked, "host %s is outside the allowed subnets", logutil.SanitizeForLog(host))
}

// AuthMethods is the auth-method policy handed to the SSH adapter.
type AuthMethods struct {
	Password            bool
	PrivateKey          bool
	KeyboardInteractive bool
	// ForwardAllPrompts disables password auto-answer for
	// keyboard-interactive prompts; everything goes to the client.
	ForwardAllPrompts bool
}

// DefaultAuthMethods allows every mechanism with auto-answer enabled.
func DefaultAuthMethods() AuthMethods {
	return AuthMethods{Password: true, PrivateKey: true, KeyboardInteractive: true}
}

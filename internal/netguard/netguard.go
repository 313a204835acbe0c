// Package netguard keeps outbound HTTP (pipeline transfers, incident
// webhooks) away from private and reserved address space.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBlocked is returned for destinations inside a special-use range.
var ErrBlocked = errors.New("destination blocked")

// blockedCIDRs lists RFC special-use ranges that are never valid outbound
// destinations.
var blockedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",       // this network
		"10.0.0.0/8",      // RFC 1918
		"100.64.0.0/10",   // CGN
		"127.0.0.0/8",     // loopback
		"169.254.0.0/16",  // link-local, cloud metadata
		"172.16.0.0/12",   // RFC 1918
		"192.0.0.0/24",    // IETF assignments
		"192.0.2.0/24",    // TEST-NET-1
		"192.168.0.0/16",  // RFC 1918
		"198.18.0.0/15",   // benchmarking
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24",  // TEST-NET-3
		"224.0.0.0/4",     // multicast
		"240.0.0.0/4",     // reserved
		"::1/128",
		"fc00::/7",
		"fe80::/10",
		"2001:db8::/32",
		"2001::/32",    // Teredo
		"2002::/16",    // 6to4
		"64:ff9b::/96", // NAT64
		"ff00::/8",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipnet)
		}
	}
	return nets
}()

// IsBlockedIP reports whether ip falls in a special-use range.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateHost rejects alternative numeric encodings and literal IPs in a
// blocked range. Hostnames are checked again at dial time.
func ValidateHost(host string) error {
	if looksLikeAlternativeIP(host) {
		return fmt.Errorf("%w: %s uses an alternative IP encoding", ErrBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil && IsBlockedIP(ip) {
		return fmt.Errorf("%w: %s is in a reserved range", ErrBlocked, host)
	}
	return nil
}

// ValidateURL checks scheme and host of rawURL.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("url has no host")
	}
	return ValidateHost(u.Hostname())
}

// looksLikeAlternativeIP detects hex (0x7f000001), dotted hex, leading-zero
// octal (0177.0.0.1) and packed decimal (2130706433) hosts.
func looksLikeAlternativeIP(host string) bool {
	if len(host) > 2 && (host[:2] == "0x" || host[:2] == "0X") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		for _, p := range parts {
			if len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X") {
				return true
			}
			if len(p) > 1 && p[0] == '0' && isAllDigits(p) {
				return true
			}
		}
	}
	return isAllDigits(host)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// DialContext resolves addr and refuses to connect if any resolved address
// is blocked. It dials the validated IP so a second lookup cannot rebind.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, ip := range ips {
		if IsBlockedIP(ip.IP) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlocked, host, ip.IP)
		}
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// NewClient returns an HTTP client that dials through DialContext and
// validates every redirect target.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{DialContext: DialContext},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return errors.New("too many redirects")
			}
			if err := ValidateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect: %w", err)
			}
			return nil
		},
	}
}

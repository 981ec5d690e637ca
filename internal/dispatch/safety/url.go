package safety

import (
	"net"
	"net/url"
	"strings"
)

var privateIPv4Ranges = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
)

var localhostVariants = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("safety: invalid CIDR literal: " + c)
		}
		nets = append(nets, n)
	}
	return nets
}

// ValidateURL rejects anything but http/https, blocks the localhost
// variants, and blocks IPv4 literals in any of the RFC1918 + loopback +
// link-local ranges. It does not itself perform DNS resolution: a
// resolved-hostname SSRF check (against DNS rebinding) is the caller's
// responsibility at fetch time, using IsPrivateIP on the resolved address.
func ValidateURL(rawURL string) (ok bool, reason string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, "invalid URL"
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false, "invalid URL scheme: " + u.Scheme
	}

	host := u.Hostname()
	if host == "" {
		return false, "missing domain in URL"
	}

	if localhostVariants[strings.ToLower(host)] {
		return false, "access to localhost is blocked"
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return false, "access to private IP range is blocked"
		}
	}

	return true, ""
}

// IsPrivateIP reports whether ip falls in one of the blocked ranges from
// spec.md section 4.5 / section 8 testable property 7.
func IsPrivateIP(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return ip.IsLoopback() || ip.IsLinkLocalUnicast()
	}
	for _, n := range privateIPv4Ranges {
		if n.Contains(v4) {
			return true
		}
	}
	return false
}

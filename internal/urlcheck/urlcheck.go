package urlcheck

import (
	"net/netip"
	"net/url"
	"strings"
)

// Private, loopback and link-local ranges that outbound webhooks must
// never target.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

var blockedSuffixes = []string{".local", ".internal"}

// IsAllowedDestination reports whether a webhook may target the given
// URL. The check is purely lexical: it rejects non-http(s) schemes,
// loopback and private-range IP literals, and internal hostname suffixes,
// but does not resolve DNS. Destinations whose public hostname resolves
// to a private address (DNS rebinding) are not caught here.
// Unparseable URLs are rejected.
func IsAllowedDestination(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" {
		return false
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() {
			return false
		}
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				return false
			}
		}
	}

	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return false
		}
	}

	return true
}

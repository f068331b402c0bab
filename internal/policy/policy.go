// Package policy implements the source-network allow-list and
// destination-domain deny-list consulted uniformly by both the SOCKS5 and
// HTTP proxy handlers (spec §9: these gates apply to both protocols
// identically — anything else would be an open-proxy bug).
package policy

import (
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

// SourcePolicy is a CIDR union of source networks permitted to use the
// proxy at all.
type SourcePolicy struct {
	prefixes []netip.Prefix
}

// NewSourcePolicy builds a SourcePolicy from pre-parsed prefixes. An empty
// set denies everything; callers that want "allow all" should pass the
// default route explicitly (0.0.0.0/0, ::/0).
func NewSourcePolicy(prefixes []netip.Prefix) *SourcePolicy {
	return &SourcePolicy{prefixes: prefixes}
}

// Allowed reports whether addr falls within any configured prefix.
func (s *SourcePolicy) Allowed(addr netip.Addr) bool {
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// DestinationPolicy is an exact-match, case-insensitive, IDN-normalized
// deny-list of domains.
type DestinationPolicy struct {
	blocked map[string]struct{}
}

// NewDestinationPolicy builds a DestinationPolicy from a list of domain
// strings as they'd appear in a SOCKS5 ATYP=Domain field or an HTTP Host
// header.
func NewDestinationPolicy(domains []string) *DestinationPolicy {
	blocked := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		blocked[Normalize(d)] = struct{}{}
	}
	return &DestinationPolicy{blocked: blocked}
}

// Normalize lower-cases and IDNA-converts domain to its ASCII (punycode)
// form so that Unicode-confusable or raw-Unicode variants of a blocked
// domain cannot bypass the exact-match deny-list.
func Normalize(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		// Not a valid IDN label (e.g. already-ASCII but non-host text,
		// or a raw IP). Fall back to the lower-cased original so the
		// deny-list check is still attempted rather than silently
		// skipped.
		return domain
	}
	return ascii
}

// Blocked reports whether domain is on the deny-list. Must be called
// before DNS resolution so a blocked domain never triggers a lookup.
func (d *DestinationPolicy) Blocked(domain string) bool {
	_, blocked := d.blocked[Normalize(domain)]
	return blocked
}

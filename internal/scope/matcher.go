package scope

import (
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/aegisflux/scanengine/internal/model"
)

// Checker answers whether an identifier belongs to the scan target
type Checker interface {
	InScope(candidate string) bool
}

// Options tunes how loosely hosts are matched
type Options struct {
	// IncludeChildren treats subdomains of a host target as in scope.
	IncludeChildren bool
	// IncludeParents treats the registrable parent domain as in scope.
	IncludeParents bool
}

// DefaultOptions matches the target and its subdomains
var DefaultOptions = Options{IncludeChildren: true}

// Matcher implements Checker for one target and its aliases
type Matcher struct {
	target model.Target
	opts   Options
	hosts  []string
	addrs  []netip.Addr
	nets   []netip.Prefix
	values []string
}

// NewMatcher creates a matcher for target
func NewMatcher(target model.Target, opts Options) *Matcher {
	m := &Matcher{target: target, opts: opts}
	m.add(target.Value, target.Type)
	for _, a := range target.Aliases {
		m.add(a.Value, a.Type)
	}
	return m
}

func (m *Matcher) add(value string, t model.FindingType) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch t {
	case model.TypeDomainName, model.TypeInternetName:
		m.hosts = append(m.hosts, strings.TrimSuffix(value, "."))
	case model.TypeIPAddress, model.TypeIPv6Address:
		if addr, err := netip.ParseAddr(value); err == nil {
			m.addrs = append(m.addrs, addr.Unmap())
		}
	case model.TypeNetblockOwner, model.TypeNetblockV6Owner:
		if p, err := netip.ParsePrefix(value); err == nil {
			m.nets = append(m.nets, p.Masked())
		}
	case model.TypeEmailAddr:
		m.values = append(m.values, value)
		if at := strings.LastIndex(value, "@"); at > 0 {
			m.hosts = append(m.hosts, value[at+1:])
		}
	default:
		m.values = append(m.values, strings.Trim(value, "\""))
	}
}

// Target returns the target the matcher was built for
func (m *Matcher) Target() model.Target {
	return m.target
}

// InScope reports whether candidate, a host, address, URL or email, belongs
// to the target.
func (m *Matcher) InScope(candidate string) bool {
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if candidate == "" {
		return false
	}

	for _, v := range m.values {
		if candidate == v {
			return true
		}
	}

	host := HostOf(candidate)
	if host == "" {
		return false
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, a := range m.addrs {
			if a == addr {
				return true
			}
		}
		for _, n := range m.nets {
			if n.Contains(addr) {
				return true
			}
		}
		return false
	}

	for _, h := range m.hosts {
		if m.hostMatches(h, host) {
			return true
		}
	}
	return false
}

func (m *Matcher) hostMatches(target, host string) bool {
	if host == target {
		return true
	}
	if m.opts.IncludeChildren && strings.HasSuffix(host, "."+target) {
		return true
	}
	if m.opts.IncludeParents {
		// Never widen to a public suffix such as co.uk.
		parent, err := publicsuffix.EffectiveTLDPlusOne(target)
		if err == nil && (host == parent || strings.HasSuffix(host, "."+parent)) {
			return true
		}
	}
	return false
}

// HostOf extracts the host part of a URL, email address or bare host
func HostOf(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if strings.Contains(candidate, "://") {
		u, err := url.Parse(candidate)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if at := strings.LastIndex(candidate, "@"); at >= 0 {
		candidate = candidate[at+1:]
	}
	if i := strings.IndexAny(candidate, "/?#"); i >= 0 {
		candidate = candidate[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(candidate, "[]")); err == nil {
		return addr.String()
	}
	if h, _, ok := strings.Cut(candidate, ":"); ok {
		candidate = h
	}
	return strings.ToLower(strings.TrimSuffix(candidate, "."))
}

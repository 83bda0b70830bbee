package route

import (
	"errors"
	"strings"
)

// DomainMatcher matches a host name against one configured pattern.
//
// "*.example.com" matches example.com and any subdomain of it. Any other
// pattern must match exactly. Comparison ignores case.
type DomainMatcher struct {
	pattern  string
	base     string
	wildcard bool
}

func NewDomainMatcher(pattern string) (DomainMatcher, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	p = strings.TrimSuffix(p, ".")
	if p == "" {
		return DomainMatcher{}, errors.New("empty domain pattern")
	}
	if base, ok := strings.CutPrefix(p, "*."); ok {
		if base == "" || strings.Contains(base, "*") {
			return DomainMatcher{}, errors.New("invalid wildcard pattern " + pattern)
		}
		return DomainMatcher{pattern: pattern, base: base, wildcard: true}, nil
	}
	if strings.Contains(p, "*") {
		return DomainMatcher{}, errors.New("wildcard must be a single leading segment: " + pattern)
	}
	return DomainMatcher{pattern: pattern, base: p}, nil
}

func (m DomainMatcher) Pattern() string { return m.pattern }

func (m DomainMatcher) Match(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	if h == m.base {
		return true
	}
	return m.wildcard && strings.HasSuffix(h, "."+m.base)
}

// AppMatcher matches an application name by case-insensitive substring
// containment. Short fragments match broadly ("code" matches "xcode" and
// "vscode"); that is intended, overlaps are settled by rule order.
type AppMatcher struct {
	fragment string
	pattern  string
}

func NewAppMatcher(fragment string) (AppMatcher, error) {
	f := strings.ToLower(strings.TrimSpace(fragment))
	if f == "" {
		return AppMatcher{}, errors.New("empty app pattern")
	}
	return AppMatcher{fragment: f, pattern: fragment}, nil
}

func (m AppMatcher) Pattern() string { return m.pattern }

func (m AppMatcher) Match(app string) bool {
	if app == "" {
		return false
	}
	return strings.Contains(strings.ToLower(app), m.fragment)
}

package route

import (
	"fmt"

	"github.com/die-net/approxy/internal/dialer"
)

// Spec is one configured map entry: an upstream key and its patterns, in
// file order.
type Spec struct {
	Upstream string
	Patterns []string
}

// Target is the destination parsed from a client's request line.
type Target struct {
	Host string
	Port int
}

// MatchKind records which rule set produced a decision.
type MatchKind string

const (
	MatchNone   MatchKind = "none"
	MatchDomain MatchKind = "domain"
	MatchApp    MatchKind = "app"
)

// Decision is the outcome of Resolve. A nil Upstream means direct.
type Decision struct {
	Upstream *Upstream
	Match    MatchKind
	Pattern  string
}

// Direct reports whether the connection goes straight to its target.
func (d Decision) Direct() bool {
	return d.Upstream == nil || d.Upstream.Mode == ModeDirect
}

type domainRule struct {
	upstream *Upstream
	matchers []DomainMatcher
}

type appRule struct {
	upstream *Upstream
	matchers []AppMatcher
}

// Rules is a compiled, immutable rule set.
type Rules struct {
	domain []domainRule
	app    []appRule
}

// Compile parses both maps. Every upstream key and pattern is validated
// here so that no malformed rule reaches the connection path.
func Compile(domains, apps []Spec, cfg dialer.Config) (*Rules, error) {
	upstreams := make(map[string]*Upstream)
	upstream := func(key string) (*Upstream, error) {
		if u, ok := upstreams[key]; ok {
			return u, nil
		}
		u, err := ParseUpstream(key, cfg)
		if err != nil {
			return nil, err
		}
		upstreams[key] = u
		return u, nil
	}

	r := &Rules{}
	for _, s := range domains {
		u, err := upstream(s.Upstream)
		if err != nil {
			return nil, fmt.Errorf("proxy_domain_map: %w", err)
		}
		dr := domainRule{upstream: u}
		for _, p := range s.Patterns {
			m, err := NewDomainMatcher(p)
			if err != nil {
				return nil, fmt.Errorf("proxy_domain_map[%s]: %w", s.Upstream, err)
			}
			dr.matchers = append(dr.matchers, m)
		}
		r.domain = append(r.domain, dr)
	}
	for _, s := range apps {
		u, err := upstream(s.Upstream)
		if err != nil {
			return nil, fmt.Errorf("proxy_app_map: %w", err)
		}
		ar := appRule{upstream: u}
		for _, p := range s.Patterns {
			m, err := NewAppMatcher(p)
			if err != nil {
				return nil, fmt.Errorf("proxy_app_map[%s]: %w", s.Upstream, err)
			}
			ar.matchers = append(ar.matchers, m)
		}
		r.app = append(r.app, ar)
	}
	return r, nil
}

// Resolve picks the upstream for a connection to target made by app (empty
// when unknown). Domain rules win over application rules.
func (r *Rules) Resolve(target Target, app string) Decision {
	if r == nil {
		return Decision{Match: MatchNone}
	}
	if u, p, ok := r.MatchDomain(target.Host); ok {
		return Decision{Upstream: u, Match: MatchDomain, Pattern: p}
	}
	if u, p, ok := r.MatchApp(app); ok {
		return Decision{Upstream: u, Match: MatchApp, Pattern: p}
	}
	return Decision{Match: MatchNone}
}

// MatchDomain returns the first domain rule matching host.
func (r *Rules) MatchDomain(host string) (*Upstream, string, bool) {
	if r == nil || host == "" {
		return nil, "", false
	}
	for _, dr := range r.domain {
		for _, m := range dr.matchers {
			if m.Match(host) {
				return dr.upstream, m.Pattern(), true
			}
		}
	}
	return nil, "", false
}

// MatchApp returns the first application rule matching app.
func (r *Rules) MatchApp(app string) (*Upstream, string, bool) {
	if r == nil || app == "" {
		return nil, "", false
	}
	for _, ar := range r.app {
		for _, m := range ar.matchers {
			if m.Match(app) {
				return ar.upstream, m.Pattern(), true
			}
		}
	}
	return nil, "", false
}

// Len returns the number of upstream entries across both maps.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.domain) + len(r.app)
}

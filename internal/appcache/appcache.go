// Package appcache maps a client's ephemeral TCP port to the name of the
// application that owns it.
//
// Entries never expire on their own. The connection registry deletes an
// entry the moment the last connection on its port goes away, which is
// what keeps a reused ephemeral port from inheriting a stale name.
package appcache

import (
	"context"
	"strconv"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Resolver looks up the application owning a local client port. It is
// typically slow (it shells out to OS tooling).
type Resolver interface {
	ResolveAppByPort(ctx context.Context, port uint16) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, port uint16) (string, error)

func (f ResolverFunc) ResolveAppByPort(ctx context.Context, port uint16) (string, error) {
	return f(ctx, port)
}

// Cache is the port -> application name map.
type Cache struct {
	c  *cache.Cache
	sf singleflight.Group
}

func New() *Cache {
	return &Cache{c: cache.New(cache.NoExpiration, 0)}
}

func key(port uint16) string {
	return strconv.Itoa(int(port))
}

// Get returns the cached name for port.
func (a *Cache) Get(port uint16) (string, bool) {
	v, ok := a.c.Get(key(port))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Has reports whether port has a cached name.
func (a *Cache) Has(port uint16) bool {
	_, ok := a.c.Get(key(port))
	return ok
}

func (a *Cache) Set(port uint16, name string) {
	a.c.Set(key(port), name, cache.NoExpiration)
}

func (a *Cache) Delete(port uint16) {
	a.c.Delete(key(port))
}

// HasApp reports whether any port currently maps to name.
func (a *Cache) HasApp(name string) bool {
	for _, it := range a.c.Items() {
		if it.Object.(string) == name {
			return true
		}
	}
	return false
}

// Entries returns a snapshot of every port -> name mapping.
func (a *Cache) Entries() map[uint16]string {
	items := a.c.Items()
	out := make(map[uint16]string, len(items))
	for k, it := range items {
		p, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[uint16(p)] = it.Object.(string)
	}
	return out
}

func (a *Cache) Len() int {
	return a.c.ItemCount()
}

// Resolve calls r for port, collapsing concurrent lookups of the same port
// into one call. It does not populate the cache; the registry does that
// only while the port is still live.
func (a *Cache) Resolve(ctx context.Context, port uint16, r Resolver) (string, error) {
	v, err, _ := a.sf.Do(key(port), func() (any, error) {
		return r.ResolveAppByPort(ctx, port)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close drops every entry.
func (a *Cache) Close() {
	a.c.Flush()
}

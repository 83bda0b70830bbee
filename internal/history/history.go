// Package history keeps a short-lived record of the remote targets each
// application (or matched domain) tried to reach.
//
// It exists for the monitoring dashboard only; routing never reads it.
package history

import (
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a key survives after its last write.
const DefaultTTL = 30 * time.Minute

type Protocol string

const (
	HTTP  Protocol = "HTTP"
	HTTPS Protocol = "HTTPS"
)

type RouteType string

const (
	RouteDirect RouteType = "direct"
	RouteProxy  RouteType = "proxy"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// TargetRecord is one remote target attempt.
type TargetRecord struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Protocol  Protocol  `json:"protocol"`
	RouteType RouteType `json:"routeType"`
	ViaProxy  string    `json:"viaProxy,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Addr returns host:port.
func (r TargetRecord) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Cache is a TTL store of target records keyed by application name or host.
//
// Records under one key are deduplicated by (host, port). Every write to a
// key resets that key's expiry.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	c   *cache.Cache
}

// New returns a Cache whose keys expire ttl after their last write.
// Expired keys are purged every cleanup interval.
func New(ttl, cleanup time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, c: cache.New(ttl, cleanup)}
}

// RecordTarget stores rec under key, replacing any record with the same
// host and port.
func (h *Cache) RecordTarget(key string, rec TargetRecord) {
	if key == "" || rec.Host == "" {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var cur []TargetRecord
	if v, ok := h.c.Get(key); ok {
		cur = v.([]TargetRecord)
	}

	// Never mutate a slice handed out by Get; readers may hold it.
	next := make([]TargetRecord, 0, len(cur)+1)
	replaced := false
	for _, r := range cur {
		if r.Host == rec.Host && r.Port == rec.Port {
			next = append(next, rec)
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, rec)
	}
	h.c.Set(key, next, h.ttl)
}

// GetTargets returns the records under key, newest first.
func (h *Cache) GetTargets(key string) []TargetRecord {
	v, ok := h.c.Get(key)
	if !ok {
		return nil
	}
	return sortedCopy(v.([]TargetRecord))
}

// AllTargets returns a snapshot of every unexpired key.
func (h *Cache) AllTargets() map[string][]TargetRecord {
	items := h.c.Items()
	out := make(map[string][]TargetRecord, len(items))
	for k, it := range items {
		recs, ok := it.Object.([]TargetRecord)
		if !ok || len(recs) == 0 {
			continue
		}
		out[k] = sortedCopy(recs)
	}
	return out
}

// Delete drops every record under key.
func (h *Cache) Delete(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.c.Delete(key)
}

// Len returns the number of keys, including ones expired but not yet purged.
func (h *Cache) Len() int {
	return h.c.ItemCount()
}

// Close empties the cache.
func (h *Cache) Close() {
	h.c.Flush()
}

func sortedCopy(recs []TargetRecord) []TargetRecord {
	out := slices.Clone(recs)
	slices.SortStableFunc(out, func(a, b TargetRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

package mcp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupCache remembers the ids of recently processed inbound requests so a redelivered frame
// is not executed twice. Entries expire after the TTL, and the cache never holds more than its
// size; the oldest entries are evicted first.
type DedupCache struct {
	// mu makes check-and-mark atomic; the LRU only locks individual calls.
	mu    sync.Mutex
	cache *expirable.LRU[RequestID, time.Time]
	ttl   time.Duration

	metrics *Metrics
	logger  *slog.Logger
}

// DedupOption configures a DedupCache.
type DedupOption func(*DedupCache)

var (
	defaultDedupSize = 4096
	defaultDedupTTL  = 5 * time.Minute
)

// WithDedupMetrics sets the metrics that count dropped duplicates.
func WithDedupMetrics(metrics *Metrics) DedupOption {
	return func(d *DedupCache) {
		d.metrics = metrics
	}
}

// WithDedupLogger sets the logger for the cache.
func WithDedupLogger(logger *slog.Logger) DedupOption {
	return func(d *DedupCache) {
		d.logger = logger
	}
}

// NewDedupCache creates a cache holding at most size ids for ttl each. Non-positive values fall
// back to the defaults.
func NewDedupCache(size int, ttl time.Duration, options ...DedupOption) *DedupCache {
	if size <= 0 {
		size = defaultDedupSize
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	d := &DedupCache{
		cache:  expirable.NewLRU[RequestID, time.Time](size, nil, ttl),
		ttl:    ttl,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Seen reports whether id was already recorded within the TTL. If it was not, it records it,
// so the first call for an id returns false and every repeat within the TTL returns true.
// Notifications (the zero id) are never deduplicated.
func (d *DedupCache) Seen(id RequestID) bool {
	if id.IsZero() {
		return false
	}

	d.mu.Lock()
	firstSeen, ok := d.cache.Get(id)
	if !ok {
		d.cache.Add(id, time.Now())
	}
	d.mu.Unlock()

	if ok {
		d.metrics.deduplicated()
		d.logger.Debug("dropping duplicate message",
			slog.String("id", id.String()),
			slog.Time("firstSeen", firstSeen))
	}
	return ok
}

// Forget removes id so it is treated as new the next time it shows up.
func (d *DedupCache) Forget(id RequestID) {
	d.cache.Remove(id)
}

// Purge drops every recorded id.
func (d *DedupCache) Purge() {
	d.cache.Purge()
}

// TTL returns how long an id is remembered.
func (d *DedupCache) TTL() time.Duration {
	return d.ttl
}

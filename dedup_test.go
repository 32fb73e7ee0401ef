package mcp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	mcp "github.com/MegaGrindStone/resilient-mcp"
)

func TestDedupCacheSeen(t *testing.T) {
	cache := mcp.NewDedupCache(16, time.Minute)

	assert.False(t, cache.Seen(mcp.StringID("a")))
	assert.True(t, cache.Seen(mcp.StringID("a")))
	assert.True(t, cache.Seen(mcp.StringID("a")))

	// Kinds are distinct keys.
	assert.False(t, cache.Seen(mcp.NumberID(1)))
	assert.False(t, cache.Seen(mcp.StringID("1")))
}

func TestDedupCacheIgnoresNotifications(t *testing.T) {
	cache := mcp.NewDedupCache(16, time.Minute)

	assert.False(t, cache.Seen(mcp.RequestID{}))
	assert.False(t, cache.Seen(mcp.RequestID{}))
}

func TestDedupCacheTTL(t *testing.T) {
	cache := mcp.NewDedupCache(16, 30*time.Millisecond)
	id := mcp.NumberID(9)

	assert.False(t, cache.Seen(id))
	assert.True(t, cache.Seen(id))

	assert.Eventually(t, func() bool {
		return !cache.Seen(id)
	}, time.Second, 10*time.Millisecond)
}

func TestDedupCacheEvictsOldest(t *testing.T) {
	cache := mcp.NewDedupCache(2, time.Minute)

	assert.False(t, cache.Seen(mcp.NumberID(1)))
	assert.False(t, cache.Seen(mcp.NumberID(2)))
	assert.False(t, cache.Seen(mcp.NumberID(3)))

	// Id 1 was pushed out by 3.
	assert.False(t, cache.Seen(mcp.NumberID(1)))
}

func TestDedupCacheForgetAndPurge(t *testing.T) {
	cache := mcp.NewDedupCache(0, 0)
	assert.Equal(t, 5*time.Minute, cache.TTL())

	cache.Seen(mcp.StringID("x"))
	cache.Seen(mcp.StringID("y"))

	cache.Forget(mcp.StringID("x"))
	assert.False(t, cache.Seen(mcp.StringID("x")))

	cache.Purge()
	assert.False(t, cache.Seen(mcp.StringID("x")))
	assert.False(t, cache.Seen(mcp.StringID("y")))
}

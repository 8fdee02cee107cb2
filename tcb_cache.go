package ptc

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TCB Cache (Transport Control Block) implements RFC 2140 control block sharing.
// RTT estimates learned by a connection are kept per remote host when it
// closes and used to seed the estimator of later connections to that host,
// so they do not start from the conservative initial RTO.

// TCBCacheConfig holds configuration for TCB cache behavior.
// Dampening factors control how much cached values influence new connections.
type TCBCacheConfig struct {
	// RTTDampening scales the cached smoothed RTT handed to new connections (0.0-1.0).
	// Default: 0.75
	RTTDampening float64

	// RTTVarDampening scales the cached RTT variance (0.0-1.0).
	// Default: 0.75
	RTTVarDampening float64

	// EntryTTL is how long cache entries remain valid after last update.
	// Default: 5 minutes
	EntryTTL time.Duration

	// Enabled controls whether TCB sharing is active.
	// Default: true
	Enabled bool
}

// DefaultTCBCacheConfig returns the default TCB cache configuration.
func DefaultTCBCacheConfig() TCBCacheConfig {
	return TCBCacheConfig{
		RTTDampening:    0.75,
		RTTVarDampening: 0.75,
		EntryTTL:        5 * time.Minute,
		Enabled:         true,
	}
}

// tcbEntry holds cached estimates for a single remote host, in ticks.
type tcbEntry struct {
	srtt        float64
	rttvar      float64
	lastUpdate  time.Time
	sampleCount int
}

// TCBCache manages cached control block data for multiple remote hosts.
// Safe for concurrent use by any number of connections.
type TCBCache struct {
	config  TCBCacheConfig
	entries map[netip.Addr]*tcbEntry
	mu      sync.RWMutex
}

// NewTCBCache creates a new TCB cache with the given configuration.
func NewTCBCache(config TCBCacheConfig) *TCBCache {
	return &TCBCache{
		config:  config,
		entries: make(map[netip.Addr]*tcbEntry),
	}
}

// Get retrieves the cached estimate for host with dampening applied.
// Expired entries are removed and reported as missing.
func (c *TCBCache) Get(host netip.Addr) (srtt, rttvar float64, found bool) {
	c.mu.RLock()
	config := c.config
	entry, ok := c.entries[host]
	var e tcbEntry
	if ok {
		e = *entry
	}
	c.mu.RUnlock()

	if !config.Enabled || !ok {
		return 0, 0, false
	}

	if time.Since(e.lastUpdate) > config.EntryTTL {
		c.mu.Lock()
		if c.entries[host] == entry {
			delete(c.entries, host)
		}
		c.mu.Unlock()
		return 0, 0, false
	}

	srtt = e.srtt * config.RTTDampening
	rttvar = e.rttvar * config.RTTVarDampening

	log.Debug().
		Str("host", host.String()).
		Float64("srtt", srtt).
		Float64("rttvar", rttvar).
		Msg("TCB cache hit - applying cached RTT estimate")

	return srtt, rttvar, true
}

// Put stores the estimate of a closing connection to host. An existing
// entry is averaged with the new values.
func (c *TCBCache) Put(host netip.Addr, srtt, rttvar float64) {
	if !host.IsValid() || srtt <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.config.Enabled {
		return
	}

	entry, exists := c.entries[host]
	if exists {
		const weight = 0.5
		entry.srtt = entry.srtt*weight + srtt*(1-weight)
		entry.rttvar = entry.rttvar*weight + rttvar*(1-weight)
		entry.lastUpdate = time.Now()
		entry.sampleCount++
	} else {
		c.entries[host] = &tcbEntry{
			srtt:        srtt,
			rttvar:      rttvar,
			lastUpdate:  time.Now(),
			sampleCount: 1,
		}
	}

	log.Debug().
		Str("host", host.String()).
		Float64("srtt", srtt).
		Float64("rttvar", rttvar).
		Bool("updated", exists).
		Msg("TCB cache update - stored RTT estimate")
}

// Size returns the number of entries in the cache.
func (c *TCBCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries from the cache.
func (c *TCBCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[netip.Addr]*tcbEntry)
}

// CleanupExpired removes expired entries from the cache and returns how
// many were removed. Should be called periodically by long-lived owners.
func (c *TCBCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for host, entry := range c.entries {
		if now.Sub(entry.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, host)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(c.entries)).
			Msg("TCB cache cleanup - removed expired entries")
	}

	return removed
}

// Config returns the current cache configuration.
func (c *TCBCache) Config() TCBCacheConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// SetConfig updates the cache configuration.
func (c *TCBCache) SetConfig(config TCBCacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config
}

package snapshot

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/stakeledger/stake-sync/entities"
)

// Snapshot is the last known good query state of one network.
type Snapshot struct {
	Network    entities.Network
	CurrentDay entities.CurrentDay
	Active     []entities.ClassifiedStake // ranked
	Summary    entities.Summary
	TakenAt    time.Time
}

// Top returns at most n ranked stakes.
func (s *Snapshot) Top(n int) []entities.ClassifiedStake {
	if n > len(s.Active) {
		n = len(s.Active)
	}
	return s.Active[:n:n]
}

// Cache keeps one snapshot per network. Entries never expire, a store outage must not empty the cache.
type Cache struct {
	cache *ttlcache.Cache[entities.Network, *Snapshot]
}

func NewCache() *Cache {
	return &Cache{
		cache: ttlcache.New[entities.Network, *Snapshot](
			ttlcache.WithTTL[entities.Network, *Snapshot](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[entities.Network, *Snapshot](),
		),
	}
}

func (c *Cache) Put(snapshot *Snapshot) {
	c.cache.Set(snapshot.Network, snapshot, ttlcache.NoTTL)
}

func (c *Cache) Get(network entities.Network) (*Snapshot, bool) {
	item := c.cache.Get(network)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache) Has(network entities.Network) bool {
	return c.cache.Has(network)
}

func (c *Cache) Delete(network entities.Network) {
	c.cache.Delete(network)
}

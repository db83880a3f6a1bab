// Package cache implements the engine's two-tier in-memory cache: an
// updates cache holding keys written since the last checkpoint, and a
// read cache holding keys recently served from the chunk store. The
// updates cache always wins: any key present there masks both the read
// cache and the on-disk value, including tombstones for deleted keys.
package cache

import "github.com/chenfan33/cloud-project/internal/kv"

// Cache is the two-tier user -> key -> value cache. It holds no locks
// of its own; callers (the single-threaded engine dispatch loop) are
// responsible for serializing access.
type Cache struct {
	updates map[string]map[string][]byte
	reads   map[string]map[string][]byte
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{
		updates: make(map[string]map[string][]byte),
		reads:   make(map[string]map[string][]byte),
	}
}

// Put records a write to the updates cache and evicts any stale copy
// of the key from the read cache.
func (c *Cache) Put(user, key string, value []byte) {
	if c.updates[user] == nil {
		c.updates[user] = make(map[string][]byte)
	}
	c.updates[user][key] = value

	if rc, ok := c.reads[user]; ok {
		delete(rc, key)
		if len(rc) == 0 {
			delete(c.reads, user)
		}
	}
}

// Delete records a tombstone for key in the updates cache.
func (c *Cache) Delete(user, key string) {
	c.Put(user, key, kv.Tombstone)
}

// Get looks up key for user in the updates cache, then the read cache.
// found is false if the key is present in neither tier; the caller
// must then consult the chunk store. deleted is true if the updates
// cache holds a tombstone for the key.
func (c *Cache) Get(user, key string) (value []byte, found, deleted bool) {
	if uc, ok := c.updates[user]; ok {
		if v, ok := uc[key]; ok {
			if kv.IsTombstone(v) {
				return nil, true, true
			}
			return v, true, false
		}
	}
	if rc, ok := c.reads[user]; ok {
		if v, ok := rc[key]; ok {
			return v, true, false
		}
	}
	return nil, false, false
}

// Warm populates the read cache with a value fetched from the chunk
// store, but only if the updates cache doesn't already shadow the key.
func (c *Cache) Warm(user, key string, value []byte) {
	if uc, ok := c.updates[user]; ok {
		if _, ok := uc[key]; ok {
			return
		}
	}
	if c.reads[user] == nil {
		c.reads[user] = make(map[string][]byte)
	}
	c.reads[user][key] = value
}

// PendingUpdates returns a shallow copy of the updates cache for user,
// for handing to the chunk store's AppendBatch during a checkpoint.
func (c *Cache) PendingUpdates(user string) map[string][]byte {
	uc, ok := c.updates[user]
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(uc))
	for k, v := range uc {
		out[k] = v
	}
	return out
}

// Users returns every user currently holding pending updates.
func (c *Cache) Users() []string {
	users := make([]string, 0, len(c.updates))
	for u := range c.updates {
		users = append(users, u)
	}
	return users
}

// Flush clears the updates cache for user after its contents have been
// durably checkpointed to the chunk store.
func (c *Cache) Flush(user string) {
	delete(c.updates, user)
}

// Reset clears both cache tiers entirely, used when replaying the WAL
// from scratch during recovery.
func (c *Cache) Reset() {
	c.updates = make(map[string]map[string][]byte)
	c.reads = make(map[string]map[string][]byte)
}

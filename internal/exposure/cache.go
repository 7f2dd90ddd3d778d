package exposure

import (
	"context"
	"sync"
)

// RevisionKey is the reserved store key holding the configuration revision
// the stored fingerprints were recorded under. Fingerprints are hex digests,
// so it cannot collide with one.
const RevisionKey = "variantz:revision"

// Cache remembers which assignments have been recorded. Has is true only
// when the stored value fingerprint for the event's key equals the event's
// own, so a variant change for the same subject reads as novel.
//
// SetRevision names the configuration now in force. Fingerprints stored
// under any other revision, including ones left by an earlier process, are
// discarded.
type Cache interface {
	Init(ctx context.Context) error
	Has(e Event) bool
	Set(e Event)
	Clear()
	SetRevision(revision string)
}

// Store is the synchronous fingerprint map a cache is built on.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Clear()
}

type storeCache struct {
	store Store

	mu       sync.Mutex
	revision string
	synced   bool
}

// NewCache wraps a Store. The returned cache has nothing to load, so Init is
// a no-op.
func NewCache(store Store) Cache {
	return &storeCache{store: store}
}

// NewLRUCache returns a volatile cache bounded to capacity entries.
func NewLRUCache(capacity int) Cache {
	return NewCache(NewLRUStore(capacity))
}

func (c *storeCache) Init(context.Context) error { return nil }

func (c *storeCache) Has(e Event) bool {
	return has(c.store, e)
}

func (c *storeCache) Set(e Event) {
	c.store.Set(KeyFingerprint(e), ValueFingerprint(e))
}

// Clear forgets every fingerprint but keeps the revision in force.
func (c *storeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.Clear()
	if c.synced {
		c.store.Set(RevisionKey, c.revision)
	}
}

func (c *storeCache) SetRevision(revision string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.synced && c.revision == revision {
		return
	}
	if stored, ok := c.store.Get(RevisionKey); !ok || stored != revision {
		c.store.Clear()
		c.store.Set(RevisionKey, revision)
	}
	c.revision, c.synced = revision, true
}

func has(store Store, e Event) bool {
	stored, ok := store.Get(KeyFingerprint(e))
	return ok && stored == ValueFingerprint(e)
}

// Package keycache tracks, per entity group, which primary keys the client
// already holds and the highest sequence number it has observed. The engine
// uses this to build incremental "since" cursors and known-key sets for
// subscription payloads.
package keycache

// Cache records known keys and the max observed sequence for one entity
// group. It is not goroutine safe; the engine mutates it only from its own
// event loop.
type Cache struct {
	keys   map[int64]struct{}
	maxSeq int64
}

func New() *Cache {
	return &Cache{keys: make(map[int64]struct{})}
}

// Upsert records that the given key was observed at the given sequence.
func (c *Cache) Upsert(id, seq int64) {
	c.keys[id] = struct{}{}
	if seq > c.maxSeq {
		c.maxSeq = seq
	}
}

// Delete forgets the given keys. Sequence numbers never move backwards.
func (c *Cache) Delete(ids []int64) {
	for _, id := range ids {
		delete(c.keys, id)
	}
}

// MaxSeq returns the highest sequence number seen so far, zero if none.
func (c *Cache) MaxSeq() int64 {
	return c.maxSeq
}

// Len returns the number of known keys.
func (c *Cache) Len() int {
	return len(c.keys)
}

// Known returns the known-key set in range-list form, ready for the wire.
func (c *Cache) Known() string {
	keys := make([]int64, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	return EncodeKeys(keys)
}

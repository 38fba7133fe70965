package storage

// Reader is a read-only snapshot of the tree's root as of the moment
// BeginRead was called. It exists for the CLI's concurrent `get`
// command and the resumability tests; the delete engine itself never
// acquires under read intent, only write intent.
type Reader struct {
	cache   *Cache
	version uint64
	root    uint64
}

// BeginRead snapshots the current root id. Readers never block a writer
// and are never blocked by one; because Commit writes pages in place in
// the mapping, pages reached from the snapshot's root can already hold
// a later commit's contents.
func (c *Cache) BeginRead() *Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	return &Reader{cache: c, version: c.version, root: c.root}
}

// EndRead releases the snapshot. It does nothing: readers do not pin
// pages against reclamation, and the free list's minReader watermark
// is never set from open readers.
func (r *Reader) EndRead() {}

func (r *Reader) RootID() uint64 { return r.root }

func (r *Reader) Get(id uint64) []byte {
	return r.cache.pageGetMapped(id).Data
}

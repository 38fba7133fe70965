// Package storage implements the buffer cache and transaction
// collaborator the delete engine consumes: page acquisition under
// write intent (possibly deferred via an Event), allocation, commit,
// backed by a memory-mapped file, a free list, and a superblock (the
// master page) carrying the root block id.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"btreekv/internal/node"
)

// dbSig is the 8-byte signature stamped into the master page.
const dbSig = "btreekv\x00"

const (
	protRead  = 0x1
	protWrite = 0x2
	mapShared = 0x1
)

// NullBlockID is the distinguished block id meaning "no page".
const NullBlockID uint64 = 0

// EventType distinguishes a deferred page acquisition from a deferred
// commit, per spec's event record.
type EventType int

const (
	EventCache EventType = iota
	EventCommit
)

// Event is delivered on the channel passed to Acquire/BeginTransaction/
// Commit when they could not complete synchronously. Result follows
// spec §5's AIO taxonomy: 0 is success, -1 is a benign "no data" on a
// page fetch, anything else is a hard failure.
type Event struct {
	Type      EventType
	Buf       *Buf
	Txn       *Txn
	Committed bool
	Result    int
}

// Buf is a pinned handle over one page. It is released exactly once;
// Release after the first call is a no-op.
type Buf struct {
	ID      uint64
	n       node.Node
	dirty   bool
	release func()
}

func (b *Buf) Ptr() node.Node { return b.n }

func (b *Buf) SetDirty() { b.dirty = true }

func (b *Buf) Release() {
	if b.release != nil {
		r := b.release
		b.release = nil
		r()
	}
}

// Cache owns the memory-mapped file, the master page, and the free
// list. SyncMode forces every Acquire to complete synchronously,
// useful for exercising the structural invariants without also
// exercising suspension; when false (the default for Open), every
// fresh page fetch is dispatched onto the worker pool so callers
// genuinely observe deferred completions.
type Cache struct {
	path string
	fp   *os.File

	mu     sync.Mutex
	writer sync.Mutex

	mmapFileLen  int
	mmapTotalLen int
	chunks       [][]byte

	flushed uint64 // pages durable on disk
	root    uint64 // btree root page id
	free    freeList

	version uint64

	pool     *pool
	SyncMode bool
}

// Open maps (creating if necessary) the data file at path and loads
// the master page. poolWorkers bounds the async page-fetch pool.
func Open(path string, poolWorkers int) (*Cache, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	c := &Cache{path: path, fp: fp, pool: newPool(poolWorkers)}

	sz, chunk, err := mmapInit(fp)
	if err != nil {
		fp.Close()
		return nil, fmt.Errorf("storage: mmap init: %w", err)
	}
	c.mmapFileLen = sz
	c.mmapTotalLen = len(chunk)
	c.chunks = [][]byte{chunk}

	c.free = freeList{
		get: c.pageGetDurable,
		new: c.pageAppendDurable,
		use: c.pageUseDurable,
	}

	if err := c.masterLoad(); err != nil {
		fp.Close()
		return nil, fmt.Errorf("storage: load master page: %w", err)
	}
	return c, nil
}

func (c *Cache) Close() error {
	c.pool.stop()
	for _, chunk := range c.chunks {
		if err := unmapFile(chunk); err != nil {
			return err
		}
	}
	return c.fp.Close()
}

// RootID returns the current btree root, or NullBlockID for an empty
// tree.
func (c *Cache) RootID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

func (c *Cache) IsBlockIDNull(id uint64) bool { return id == NullBlockID }

// Stats is a point-in-time snapshot of the cache's page accounting,
// surfaced by the CLI's stats command.
type Stats struct {
	RootID    uint64
	PagesUsed uint64
	FreePages int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{RootID: c.root, PagesUsed: c.flushed, FreePages: c.free.Total()}
}

// Txn is a write-intent scope over one Cache. All structural writes of
// one delete happen inside exactly one Txn.
type Txn struct {
	cache   *Cache
	updates map[uint64][]byte
	nappend int
	newRoot uint64
	rootSet bool
}

// BeginTransaction acquires the cache's single writer lock. If another
// writer currently holds it, this suspends: the event arrives on done
// once the lock is free.
func (c *Cache) BeginTransaction(done chan<- Event) (*Txn, bool) {
	if c.writer.TryLock() {
		return c.newTxn(), true
	}
	go func() {
		c.writer.Lock()
		done <- Event{Type: EventCache, Txn: c.newTxn(), Result: 0}
	}()
	return nil, false
}

func (c *Cache) newTxn() *Txn {
	return &Txn{cache: c, updates: map[uint64][]byte{}}
}

// Acquire pins the page identified by id under write intent. A page
// this transaction has already written back returns synchronously; any
// other page returns synchronously only when SyncMode is set.
// Otherwise the fetch is dispatched to the worker pool and Acquire
// returns (nil, false), delivering the pinned Buf on done once the
// worker runs.
func (t *Txn) Acquire(id uint64, done chan<- Event) (*Buf, bool) {
	if raw, ok := t.updates[id]; ok && raw != nil {
		return t.wrap(id, node.Node{Data: raw}), true
	}
	fetch := func() *Buf {
		n := t.cache.pageGetDurable(id)
		cp := append([]byte(nil), n.Data...)
		return t.wrap(id, node.Node{Data: cp})
	}
	if t.cache.SyncMode {
		return fetch(), true
	}
	t.cache.pool.submit(func() {
		done <- Event{Type: EventCache, Buf: fetch(), Result: 0}
	})
	return nil, false
}

// wrap pins n under id for this transaction. Release copies the page
// back into the transaction's update set only if the caller dirtied
// it, so read-only inspection of a page never produces a spurious
// write at commit, and never for a page already freed in this
// transaction, so a Free before Release still reclaims the page.
func (t *Txn) wrap(id uint64, n node.Node) *Buf {
	b := &Buf{ID: id, n: n}
	b.release = func() {
		if raw, ok := t.updates[id]; ok && raw == nil {
			return
		}
		if b.dirty {
			t.updates[id] = b.n.Data
		}
	}
	return b
}

// SuperblockBuf is the pinned handle over the master page's root
// pointer. It is modeled separately from Buf because the master page
// is not one of the tree's own pages: it carries no node layout, only
// the root id, and its write lands via SetRootID rather than the
// regular dirty-page path.
type SuperblockBuf struct {
	txn      *Txn
	root     uint64
	dirty    bool
	released bool
}

func (s *SuperblockBuf) RootID() uint64 { return s.root }

func (s *SuperblockBuf) SetRootID(id uint64) {
	s.root = id
	s.dirty = true
}

func (s *SuperblockBuf) Release() {
	if s.released {
		return
	}
	s.released = true
	if s.dirty {
		s.txn.SetRootID(s.root)
	}
}

// AcquireSuperblock pins the master page's root pointer under write
// intent. This always completes synchronously: BeginTransaction has
// already serialized writers against each other, so reading the root
// here needs no further suspension.
func (t *Txn) AcquireSuperblock(done chan<- Event) (*SuperblockBuf, bool) {
	return &SuperblockBuf{txn: t, root: t.cache.RootID()}, true
}

// Allocate returns a fresh dirty page, synchronously as spec requires.
func (t *Txn) Allocate() *Buf {
	n := node.Alloc()
	ptr := t.cache.free.pop()
	if ptr == 0 {
		ptr = uint64(t.nappend) + t.cache.flushed
		t.nappend++
	}
	b := t.wrap(ptr, n)
	b.SetDirty()
	return b
}

// Get, New, and Del give Txn the node.PageStore shape so
// internal/node's Insert/Get fixture helpers can build a tree directly
// on top of a transaction, synchronously, bypassing the async
// acquisition path — used by tests and the CLI's `put` command, never
// by the delete engine itself.
func (t *Txn) Get(id uint64) node.Node {
	if raw, ok := t.updates[id]; ok && raw != nil {
		return node.Node{Data: raw}
	}
	n := t.cache.pageGetDurable(id)
	return node.Node{Data: append([]byte(nil), n.Data...)}
}

func (t *Txn) New(n node.Node) uint64 {
	b := t.Allocate()
	copy(b.n.Data, n.Data)
	b.Release()
	return b.ID
}

func (t *Txn) Del(id uint64) {
	t.Free(id)
}

// Free marks ptr as reclaimable: Commit adds it to the free list, and
// a later Allocate may hand it out again. Open Readers are not
// consulted.
func (t *Txn) Free(ptr uint64) {
	t.updates[ptr] = nil
}

// SetRootID records a new btree root to be written into the
// superblock at Commit. Per spec this path is synchronous: the
// superblock is conceptually already pinned dirty by the time the FSM
// reaches this call.
func (t *Txn) SetRootID(id uint64) {
	t.newRoot = id
	t.rootSet = true
}

// Commit persists every page this transaction touched, then the master
// page, both followed by an fsync barrier, mirroring the two-phase
// write/flush split the teacher's KV.Commit performs so a crash can
// never observe a root pointing at an unwritten page. It completes
// inline, returning whether it committed, when SyncMode is set or done
// is nil; otherwise it runs on the worker pool, returns false, and the
// outcome arrives on done.
func (t *Txn) Commit(done chan<- Event) bool {
	commit := func() error {
		c := t.cache
		c.mu.Lock()
		defer c.mu.Unlock()

		var freed []uint64
		for ptr, data := range t.updates {
			if data == nil {
				freed = append(freed, ptr)
			}
		}
		c.free.add(freed)

		npages := t.nappend + int(c.flushed)
		if err := extendFile(c, npages); err != nil {
			return err
		}
		if err := extendMmap(c, npages); err != nil {
			return err
		}
		for ptr, data := range t.updates {
			if data != nil {
				copy(c.pageGetMapped(ptr).Data, data)
			}
		}
		if err := c.fp.Sync(); err != nil {
			return fmt.Errorf("storage: fsync: %w", err)
		}
		c.flushed += uint64(t.nappend)
		if t.rootSet {
			c.root = t.newRoot
		}
		if err := c.masterStore(); err != nil {
			return err
		}
		if err := c.fp.Sync(); err != nil {
			return fmt.Errorf("storage: fsync: %w", err)
		}
		c.writer.Unlock()
		return nil
	}

	finish := func() Event {
		err := commit()
		if err != nil {
			return Event{Type: EventCommit, Committed: false, Result: -2}
		}
		return Event{Type: EventCommit, Committed: true, Result: 0}
	}

	if t.cache.SyncMode || done == nil {
		ev := finish()
		if done != nil {
			done <- ev
		}
		return ev.Committed
	}
	t.cache.pool.submit(func() { done <- finish() })
	return false
}

// Abort releases the writer lock without persisting anything.
func (t *Txn) Abort() {
	t.cache.writer.Unlock()
}

func (c *Cache) pageGetDurable(ptr uint64) node.Node {
	return c.pageGetMapped(ptr)
}

// pageAppendDurable is a freeList callback invoked only from within
// Commit's critical section (when the free list itself grows a new
// chain page), so it must not re-acquire c.mu.
func (c *Cache) pageAppendDurable(n node.Node) uint64 {
	ptr := c.flushed
	c.flushed++
	if err := extendFile(c, int(c.flushed)); err != nil {
		panic(err)
	}
	if err := extendMmap(c, int(c.flushed)); err != nil {
		panic(err)
	}
	copy(c.pageGetMapped(ptr).Data, n.Data)
	return ptr
}

func (c *Cache) pageUseDurable(ptr uint64, n node.Node) {
	copy(c.pageGetMapped(ptr).Data, n.Data)
}

func (c *Cache) pageGetMapped(ptr uint64) node.Node {
	start := uint64(0)
	for _, chunk := range c.chunks {
		end := start + uint64(len(chunk))/node.PageSize
		if ptr < end {
			offset := node.PageSize * (ptr - start)
			return node.Node{Data: chunk[offset : offset+node.PageSize]}
		}
		start = end
	}
	panic("storage: bad page id")
}

// master page layout: | sig 8B | root 8B | pagesUsed 8B | freeListHead 8B |
func (c *Cache) masterLoad() error {
	if c.mmapFileLen == 0 {
		c.flushed = 1 // page 0 is the master page itself
		return nil
	}
	data := c.chunks[0]
	root := binary.LittleEndian.Uint64(data[8:])
	pagesUsed := binary.LittleEndian.Uint64(data[16:])
	freeHead := binary.LittleEndian.Uint64(data[24:])

	if !bytes.Equal([]byte(dbSig), data[:8]) {
		return errors.New("bad signature")
	}
	bad := pagesUsed < 1 || pagesUsed > uint64(c.mmapFileLen/node.PageSize)
	bad = bad || root >= pagesUsed
	if bad {
		return errors.New("bad master page")
	}
	c.root = root
	c.flushed = pagesUsed
	c.free.head = freeHead
	return nil
}

func (c *Cache) masterStore() error {
	var data [32]byte
	copy(data[:8], []byte(dbSig))
	binary.LittleEndian.PutUint64(data[8:16], c.root)
	binary.LittleEndian.PutUint64(data[16:24], c.flushed)
	binary.LittleEndian.PutUint64(data[24:32], c.free.head)
	_, err := pwriteFile(c.fp.Fd(), data[:], 0)
	if err != nil {
		return fmt.Errorf("storage: write master page: %w", err)
	}
	return nil
}

func mmapInit(fp *os.File) (int, []byte, error) {
	fi, err := fp.Stat()
	if err != nil {
		return 0, nil, fmt.Errorf("stat: %w", err)
	}
	if fi.Size()%node.PageSize != 0 {
		return 0, nil, errors.New("file size is not a multiple of page size")
	}
	mmapSize := 64 << 20
	for mmapSize < int(fi.Size()) {
		mmapSize *= 2
	}
	chunk, err := mmapFile(fp.Fd(), 0, mmapSize, protRead|protWrite, mapShared)
	if err != nil {
		return 0, nil, fmt.Errorf("mmap: %w", err)
	}
	return int(fi.Size()), chunk, nil
}

func extendMmap(c *Cache, npages int) error {
	if c.mmapTotalLen >= npages*node.PageSize {
		return nil
	}
	chunk, err := mmapFile(c.fp.Fd(), int64(c.mmapTotalLen), c.mmapTotalLen, protRead|protWrite, mapShared)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	c.mmapTotalLen += c.mmapTotalLen
	c.chunks = append(c.chunks, chunk)
	return nil
}

func extendFile(c *Cache, npages int) error {
	filePages := c.mmapFileLen / node.PageSize
	if filePages > npages {
		return nil
	}
	for filePages < npages {
		inc := filePages / 8
		if inc < 1 {
			inc = 1
		}
		filePages += inc
	}
	fileSize := filePages * node.PageSize
	if err := fallocateFile(c.fp.Fd(), 0, 0); err != nil {
		if err := c.fp.Truncate(int64(fileSize)); err != nil {
			return fmt.Errorf("fallocate: %w", err)
		}
	}
	c.mmapFileLen = fileSize
	return nil
}

// Package node implements the fixed-size page layout and the node
// handler contract that the delete engine consumes: is_internal,
// is_underfull, is_full, is_empty, is_mergable, is_singleton, lookup,
// merge, level, split, remove, update_key, nodecmp, init, validate.
package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Page layout, unchanged from the source B-tree this package grew out
// of:
//
//	| type | nkeys | pointers  | offsets  | key-values |
//	| 2B   | 2B    | nkeys*8B  | nkeys*2B | ...        |
//	|<--- HeaderSize (4B) ---->|
//
// Each key-value tuple is `klen(2B) vlen(2B) key val`. Internal nodes
// store a child block id in the pointer slot and leave val empty;
// leaves store a zero pointer and the real value. An internal node's
// entry 0 is a placeholder whose key is never compared against (see
// Lookup) so the node always covers the full key space below it.
const (
	HeaderSize = 4
	PageSize   = 4096
	MaxKeySize = 1000
	MaxValSize = 3000

	// a node below this many bytes is a candidate for merge/level.
	underfullBytes = PageSize / 4
)

type Type uint16

const (
	Internal Type = 1
	Leaf     Type = 2
)

func (t Type) String() string {
	switch t {
	case Internal:
		return "internal"
	case Leaf:
		return "leaf"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// Node is a page-sized buffer interpreted per the layout above. It is
// a thin view: callers own the backing slice's lifetime (the buffer
// cache pins and releases it).
type Node struct {
	Data []byte
}

// Alloc returns a zero-valued, page-sized node ready for SetHeader.
func Alloc() Node {
	return Node{Data: make([]byte, PageSize)}
}

// AllocN returns a node n pages wide, used as scratch space while
// splitting or merging (the teacher's B-tree scratch-allocates 2x a
// page for the same reason: a node can transiently overflow before
// being split back down).
func AllocN(pages int) Node {
	return Node{Data: make([]byte, pages*PageSize)}
}

func (n Node) Type() Type {
	return Type(binary.LittleEndian.Uint16(n.Data))
}

func (n Node) NumKeys() uint16 {
	return binary.LittleEndian.Uint16(n.Data[2:4])
}

func (n Node) SetHeader(t Type, nkeys uint16) {
	binary.LittleEndian.PutUint16(n.Data[0:2], uint16(t))
	binary.LittleEndian.PutUint16(n.Data[2:4], nkeys)
}

func (n Node) Ptr(idx uint16) uint64 {
	pos := HeaderSize + 8*idx
	return binary.LittleEndian.Uint64(n.Data[pos:])
}

func (n Node) SetPtr(idx uint16, ptr uint64) {
	pos := HeaderSize + 8*idx
	binary.LittleEndian.PutUint64(n.Data[pos:], ptr)
}

func offsetPos(n Node, idx uint16) uint16 {
	return HeaderSize + 8*n.NumKeys() + 2*(idx-1)
}

func (n Node) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n.Data[offsetPos(n, idx):])
}

func (n Node) setOffset(idx uint16, offset uint16) {
	binary.LittleEndian.PutUint16(n.Data[offsetPos(n, idx):], offset)
}

func (n Node) kvPos(idx uint16) uint16 {
	return HeaderSize + 8*n.NumKeys() + 2*n.NumKeys() + n.getOffset(idx)
}

func (n Node) Key(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n.Data[pos:])
	return n.Data[pos+4:][:klen]
}

func (n Node) Val(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n.Data[pos:])
	vlen := binary.LittleEndian.Uint16(n.Data[pos+2:])
	return n.Data[pos+4+klen:][:vlen]
}

// NBytes is the number of bytes this node currently occupies; used to
// decide IsFull/IsUnderfull/IsMergable.
func (n Node) NBytes() uint16 {
	return n.kvPos(n.NumKeys())
}

func (n Node) IsInternal() bool { return n.Type() == Internal }
func (n Node) IsLeaf() bool     { return n.Type() == Leaf }
func (n Node) IsEmpty() bool    { return n.NumKeys() == 0 }
func (n Node) IsFull() bool     { return n.NBytes() > PageSize }
func (n Node) IsUnderfull() bool {
	return n.NBytes() < underfullBytes
}

// IsSingleton is true for an internal node with exactly two children
// (entry 0, the non-comparable placeholder, plus one real separator):
// removing that separator drops it to a single child, which is the
// root-collapse trigger. Evaluated pre-merge, while both children are
// still present, unlike the teacher's post-merge nKeys()==1 check.
func (n Node) IsSingleton() bool {
	return n.IsInternal() && n.NumKeys() == 2
}

// IsMergable reports whether n and sib could be combined into a single
// page.
func (n Node) IsMergable(sib Node) bool {
	return n.NBytes()+sib.NBytes()-HeaderSize <= PageSize
}

// Lookup returns the index of the entry that covers key: for internal
// nodes this is the child to descend into; for leaves it is either the
// exact match or the position just before where key would be inserted.
// Entry 0 is a copy/placeholder and never participates in the
// comparison, which is what lets one node cover the entire key space
// below it.
func (n Node) Lookup(key []byte) uint16 {
	nkeys := n.NumKeys()
	found := uint16(0)
	for i := uint16(1); i < nkeys; i++ {
		cmp := bytes.Compare(n.Key(i), key)
		if cmp <= 0 {
			found = i
		}
		if cmp > 0 {
			break
		}
	}
	return found
}

// NodeCmp orders two sibling nodes by their first real (non-
// placeholder) key, so mergers always proceed in ascending key order.
func NodeCmp(a, b Node) int {
	ak, bk := firstKey(a), firstKey(b)
	return bytes.Compare(ak, bk)
}

func firstKey(n Node) []byte {
	if n.NumKeys() > 1 {
		return n.Key(1)
	}
	return n.Key(0)
}

// Init sets up an empty node of the given type with a single
// placeholder entry, covering the whole key space. Used only to seed a
// brand-new root (leaf or internal); ordinary splits/merges build their
// contents explicitly via AppendRange/AppendKV.
func (n Node) Init(t Type) {
	n.SetHeader(t, 1)
	AppendKV(n, 0, 0, nil, nil)
}

// AppendRange copies num entries from old[src:] into new[dst:],
// preserving pointers, offsets, and packed key-value bytes.
func AppendRange(new, old Node, dst, src, num uint16) {
	if num == 0 {
		return
	}
	for i := uint16(0); i < num; i++ {
		new.SetPtr(dst+i, old.Ptr(src+i))
	}
	dstBegin := new.getOffset(dst)
	srcBegin := old.getOffset(src)
	for i := uint16(1); i <= num; i++ {
		offset := dstBegin + old.getOffset(src+i) - srcBegin
		new.setOffset(dst+i, offset)
	}
	begin := old.kvPos(src)
	end := old.kvPos(src + num)
	copy(new.Data[new.kvPos(dst):], old.Data[begin:end])
}

// AppendKV writes one entry at idx, updating the running offset table
// so the next AppendKV/AppendRange call lands correctly after it.
func AppendKV(new Node, idx uint16, ptr uint64, key, val []byte) {
	new.SetPtr(idx, ptr)
	pos := new.kvPos(idx)
	binary.LittleEndian.PutUint16(new.Data[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(new.Data[pos+2:], uint16(len(val)))
	copy(new.Data[pos+4:], key)
	copy(new.Data[pos+4+uint16(len(key)):], val)
	new.setOffset(idx+1, new.getOffset(idx)+4+uint16(len(key)+len(val)))
}

// Remove returns a fresh node with the entry at idx removed.
func Remove(old Node, idx uint16) Node {
	new := Alloc()
	new.SetHeader(old.Type(), old.NumKeys()-1)
	AppendRange(new, old, 0, 0, idx)
	AppendRange(new, old, idx, idx+1, old.NumKeys()-(idx+1))
	return new
}

// UpdateKey returns a fresh node equal to n with the key at idx
// replaced, keeping that entry's pointer and value. The delete engine
// uses it to install a new separator in the parent after a level. The
// result is built in a single page; nothing here checks that a longer
// key still fits.
func UpdateKey(n Node, idx uint16, key []byte) Node {
	new := Alloc()
	new.SetHeader(n.Type(), n.NumKeys())
	AppendRange(new, n, 0, 0, idx)
	AppendKV(new, idx, n.Ptr(idx), key, n.Val(idx))
	AppendRange(new, n, idx+1, idx+1, n.NumKeys()-idx-1)
	return new
}

// Merge combines lo and hi (in ascending NodeCmp order) into a single
// new node.
func Merge(lo, hi Node) Node {
	new := Alloc()
	new.SetHeader(lo.Type(), lo.NumKeys()+hi.NumKeys())
	AppendRange(new, lo, 0, 0, lo.NumKeys())
	AppendRange(new, hi, lo.NumKeys(), 0, hi.NumKeys())
	return new
}

// Split splits old into 2 or 3 pages of at most PageSize bytes each,
// returning how many parts were produced. A single proactive split
// only ever needs two pages; the 3-way case exists because levels
// performed lower in the tree can grow keys enough that even half of
// an overflowing node doesn't fit, mirroring the teacher's nodeSplit3.
func Split(old Node) (int, [3]Node) {
	if old.NBytes() <= PageSize {
		old.Data = old.Data[:PageSize]
		return 1, [3]Node{old}
	}
	left := AllocN(2)
	right := Alloc()
	split2(left, right, old)
	if left.NBytes() <= PageSize {
		return 2, [3]Node{left, right}
	}
	leftLeft := Alloc()
	middle := Alloc()
	split2(leftLeft, middle, left)
	return 3, [3]Node{leftLeft, middle, right}
}

func split2(left, right, old Node) {
	mid := old.NumKeys() / 2
	left.SetHeader(old.Type(), mid)
	AppendRange(left, old, 0, 0, mid)
	right.SetHeader(old.Type(), old.NumKeys()-mid)
	AppendRange(right, old, 0, mid, old.NumKeys()-mid)
}

// Level redistributes entries between two siblings to relieve
// underflow without merging. It moves entries one at a time from the
// more-filled node to the less-filled one until they are within one
// entry of balanced, or until moving another would itself starve the
// donor. It reports whether it moved anything, and if so the higher
// node's lowest key before (oldSep) and after (newSep) the move; newSep
// is the separator the parent must now carry for the boundary between
// the two (UpdateKey target).
func Level(a, b Node) (moved bool, oldSep, newSep []byte) {
	lo, hi := a, b
	if NodeCmp(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	oldSep = append([]byte{}, hi.Key(0)...)
	donorIsHi := hi.NumKeys() > lo.NumKeys()
	if !donorIsHi && lo.NumKeys() <= hi.NumKeys()+1 {
		return false, nil, nil
	}
	for {
		if donorIsHi {
			if hi.NumKeys() <= lo.NumKeys()+1 || hi.NumKeys() <= 1 {
				break
			}
			moveFromFrontOf(hi, lo)
		} else {
			if lo.NumKeys() <= hi.NumKeys()+1 || lo.NumKeys() <= 1 {
				break
			}
			moveFromBackOf(lo, hi)
		}
		moved = true
	}
	if !moved {
		return false, nil, nil
	}
	newSep = append([]byte{}, hi.Key(0)...)
	return true, oldSep, newSep
}

// moveFromFrontOf transfers donor's lowest entry (entry 0) onto the
// tail of recv, preserving ascending order across the pair (donor holds
// the larger keys, so its first entry is the smallest key that still
// sorts after everything already in recv).
func moveFromFrontOf(donor, recv Node) {
	idx := uint16(0)
	key := append([]byte{}, donor.Key(idx)...)
	val := append([]byte{}, donor.Val(idx)...)
	ptr := donor.Ptr(idx)

	grown := Alloc()
	grown.SetHeader(recv.Type(), recv.NumKeys()+1)
	AppendRange(grown, recv, 0, 0, recv.NumKeys())
	AppendKV(grown, recv.NumKeys(), ptr, key, val)
	copy(recv.Data, grown.Data)

	shrunk := Alloc()
	shrunk.SetHeader(donor.Type(), donor.NumKeys()-1)
	AppendRange(shrunk, donor, 0, 0, idx)
	AppendRange(shrunk, donor, idx, idx+1, donor.NumKeys()-idx-1)
	copy(donor.Data, shrunk.Data)
}

// moveFromBackOf transfers donor's highest entry onto the front of
// recv (donor holds the smaller keys, so its last entry is the
// largest key that still sorts before everything in recv).
func moveFromBackOf(donor, recv Node) {
	idx := donor.NumKeys() - 1
	key := append([]byte{}, donor.Key(idx)...)
	val := append([]byte{}, donor.Val(idx)...)
	ptr := donor.Ptr(idx)

	shrunk := Alloc()
	shrunk.SetHeader(donor.Type(), donor.NumKeys()-1)
	AppendRange(shrunk, donor, 0, 0, idx)
	copy(donor.Data, shrunk.Data)

	grown := Alloc()
	grown.SetHeader(recv.Type(), recv.NumKeys()+1)
	AppendKV(grown, 0, ptr, key, val)
	AppendRange(grown, recv, 1, 0, recv.NumKeys())
	copy(recv.Data, grown.Data)
}

// SiblingID returns the block id of an adjacent child to pair with the
// child at idx within parent, preferring the left neighbor (matching
// the teacher's left-biased merge order) and falling back to the right
// neighbor for idx 0.
func SiblingID(parent Node, idx uint16) (sibID uint64, sibIdx uint16) {
	if idx > 0 {
		return parent.Ptr(idx - 1), idx - 1
	}
	return parent.Ptr(idx + 1), idx + 1
}

// ReplaceChild swaps the single child entry at idx for len(ids) new
// entries (the product of a proactive split), shifting everything
// after it over. Used only by the delete engine's split repair, which
// already holds freshly allocated ids and keys for each new page.
func ReplaceChild(old Node, idx uint16, ids []uint64, keys [][]byte) Node {
	inc := uint16(len(ids))
	new := Alloc()
	new.SetHeader(Internal, old.NumKeys()+inc-1)
	AppendRange(new, old, 0, 0, idx)
	for i := uint16(0); i < inc; i++ {
		AppendKV(new, idx+i, ids[i], keys[i], nil)
	}
	AppendRange(new, old, idx+inc, idx+1, old.NumKeys()-(idx+1))
	return new
}

// Validate checks the page fits, the offset table is monotonically
// non-decreasing, and separator keys are strictly ordered from entry 1
// onward (entry 0 is the placeholder and is exempt).
func (n Node) Validate() error {
	if n.NBytes() > PageSize {
		return fmt.Errorf("node: %d bytes exceeds page size %d", n.NBytes(), PageSize)
	}
	nkeys := n.NumKeys()
	var prevOffset uint16
	for i := uint16(1); i <= nkeys; i++ {
		off := n.getOffset(i)
		if off < prevOffset {
			return fmt.Errorf("node: offset table not monotonic at %d", i)
		}
		prevOffset = off
	}
	for i := uint16(2); i < nkeys; i++ {
		if bytes.Compare(n.Key(i-1), n.Key(i)) >= 0 {
			return fmt.Errorf("node: keys not strictly ordered at %d", i)
		}
	}
	return nil
}

func init() {
	nodeMax := HeaderSize + 8 + 2 + 4 + MaxKeySize + MaxValSize
	if nodeMax > PageSize {
		panic("node: a single max-size entry cannot fit in one page")
	}
}

package storage

import (
	"encoding/binary"

	"btreekv/internal/node"
)

// freeList is a chain of reclaimed page ids, stored as its own page
// type so it persists across restarts like any other page. Each entry
// carries a version stamp that pop compares against minReader, but
// neither version nor minReader is advanced anywhere, so pop does not
// hold a page back for an open Reader.
//
// Free list node format, one page:
//
//	| type | size | total | next | pointers-version-pairs |
//	| 2B   | 2B   | 8B    | 8B   | size * 16B             |
type freeList struct {
	head  uint64
	nodes []uint64 // cached chain, tail to head
	total int
	offset int

	version   uint64
	minReader uint64
	freed     []uint64

	get func(uint64) node.Node
	new func(node.Node) uint64
	use func(uint64, node.Node)
}

const (
	freeListType   = 3
	freeListHeader = node.HeaderSize + 8 + 8
	freeListCap    = (node.PageSize - freeListHeader) / 16
)

func (fl *freeList) pop() uint64 {
	fl.loadCache()
	return flPop1(fl)
}

func (fl *freeList) add(freed []uint64) {
	if len(freed) == 0 {
		return
	}
	total := fl.Total() + len(freed)
	flPush(fl, freed)
	if fl.head != 0 {
		flnSetTotal(fl.get(fl.head), uint64(total))
	}
}

func (fl *freeList) loadCache() {
	if len(fl.nodes) > 0 {
		return
	}
	curr := fl.head
	if curr == 0 {
		fl.total, fl.offset = 0, 0
		return
	}
	var nodes []uint64
	for curr != 0 {
		nodes = append(nodes, curr)
		n := fl.get(curr)
		curr = flnNext(n)
	}
	for i := 0; i < len(nodes)/2; i++ {
		nodes[i], nodes[len(nodes)-1-i] = nodes[len(nodes)-1-i], nodes[i]
	}
	fl.nodes = nodes
	fl.total = flnSize(fl.get(fl.head))
	fl.offset = 0
}

func flPop1(fl *freeList) uint64 {
	if fl.total == 0 || len(fl.nodes) == 0 {
		return 0
	}
	n := fl.get(fl.nodes[0])
	ptr, ver := flnItem(n, fl.offset)
	if versionBefore(fl.minReader, ver) {
		// the oldest active reader may still be traversing this page.
		return 0
	}
	fl.offset++
	fl.total--
	if fl.offset >= flnSize(n) {
		fl.nodes = fl.nodes[1:]
		fl.offset = 0
	}
	return ptr
}

func versionBefore(u, ver uint64) bool {
	return int64(u-ver) < 0
}

func flnItem(n node.Node, offset int) (uint64, uint64) {
	pos := freeListHeader + offset*16
	if len(n.Data) < pos+16 {
		return 0, 0
	}
	ptr := binary.LittleEndian.Uint64(n.Data[pos : pos+8])
	ver := binary.LittleEndian.Uint64(n.Data[pos+8 : pos+16])
	return ptr, ver
}

func flnSize(n node.Node) int {
	return int(n.NumKeys())
}

func flnNext(n node.Node) uint64 {
	return binary.LittleEndian.Uint64(n.Data[node.HeaderSize+8:])
}

func flnPtr(n node.Node, idx int) uint64 {
	return binary.LittleEndian.Uint64(n.Data[freeListHeader+idx*16:])
}

func flnSetItem(n node.Node, idx int, ptr, ver uint64) {
	pos := freeListHeader + idx*16
	binary.LittleEndian.PutUint64(n.Data[pos:], ptr)
	binary.LittleEndian.PutUint64(n.Data[pos+8:], ver)
}

func flnSetHeader(n node.Node, size uint16, next uint64) {
	binary.LittleEndian.PutUint16(n.Data[2:], size)
	binary.LittleEndian.PutUint64(n.Data[node.HeaderSize+8:], next)
}

func flnSetTotal(n node.Node, total uint64) {
	binary.LittleEndian.PutUint64(n.Data[node.HeaderSize:], total)
}

// Total counts every pointer across the whole chain.
func (fl *freeList) Total() int {
	if fl == nil || fl.head == 0 {
		return 0
	}
	total := 0
	id := fl.head
	for id != 0 {
		n := fl.get(id)
		total += flnSize(n)
		id = flnNext(n)
	}
	return total
}

func flPush(fl *freeList, freed []uint64) {
	for len(freed) > 0 {
		new := node.Alloc()
		size := len(freed)
		if size > freeListCap {
			size = freeListCap
		}
		new.SetHeader(node.Type(freeListType), uint16(size))
		flnSetHeader(new, uint16(size), fl.head)
		for i := 0; i < size; i++ {
			flnSetItem(new, i, freed[i], fl.version)
		}
		freed = freed[size:]
		fl.head = fl.new(new)
	}
}

// Get returns the pgnum-th free pointer, counting from the tail of the
// chain. Nothing in this module calls it; cmd/btreekv stats reports
// Total through Cache.Stats.
func (fl *freeList) Get(pgnum int) uint64 {
	n := fl.get(fl.head)
	for flnSize(n) < pgnum {
		pgnum -= flnSize(n)
		n = fl.get(flnNext(n))
	}
	return flnPtr(n, flnSize(n)-pgnum-1)
}

package node

import "bytes"

// PageStore is the minimal page-management surface build.go needs to
// grow a tree: dereference a block id, allocate a fresh one for a
// node, and free one that's no longer referenced. internal/storage's
// Txn satisfies this directly; it exists here only so this file has no
// import-cycle back onto internal/storage.
type PageStore interface {
	Get(id uint64) Node
	New(n Node) uint64
	Del(id uint64)
}

// Insert grows the tree rooted at root (0 meaning empty) with key/val,
// returning the new root id. This is not part of the delete engine —
// spec.md places insert/lookup algorithmics out of scope for it — but
// the CLI and test fixtures need a way to build a tree to delete from.
func Insert(store PageStore, root uint64, key, val []byte) uint64 {
	if root == 0 {
		r := Alloc()
		r.SetHeader(Leaf, 2)
		AppendKV(r, 0, 0, nil, nil)
		AppendKV(r, 1, 0, key, val)
		return store.New(r)
	}
	n := store.Get(root)
	store.Del(root)
	updated := treeInsert(store, n, key, val)
	nsplit, parts := Split(updated)
	if nsplit > 1 {
		r := Alloc()
		r.SetHeader(Internal, uint16(nsplit))
		for i := 0; i < nsplit; i++ {
			ptr := store.New(parts[i])
			AppendKV(r, uint16(i), ptr, parts[i].Key(0), nil)
		}
		return store.New(r)
	}
	return store.New(parts[0])
}

func treeInsert(store PageStore, n Node, key, val []byte) Node {
	new := AllocN(2)
	idx := n.Lookup(key)
	switch n.Type() {
	case Leaf:
		if bytes.Equal(key, n.Key(idx)) {
			leafUpdate(new, n, idx, key, val)
		} else {
			leafInsert(new, n, idx+1, key, val)
		}
	case Internal:
		nodeInsert(store, new, n, idx, key, val)
	default:
		panic("node: bad node type")
	}
	return new
}

func nodeInsert(store PageStore, new, n Node, idx uint16, key, val []byte) {
	kptr := n.Ptr(idx)
	child := store.Get(kptr)
	store.Del(kptr)
	child = treeInsert(store, child, key, val)
	nsplit, parts := Split(child)
	replaceChildN(store, new, n, idx, parts[:nsplit]...)
}

func replaceChildN(store PageStore, new, old Node, idx uint16, kids ...Node) {
	inc := uint16(len(kids))
	new.SetHeader(Internal, old.NumKeys()+inc-1)
	AppendRange(new, old, 0, 0, idx)
	for i, k := range kids {
		AppendKV(new, idx+uint16(i), store.New(k), k.Key(0), nil)
	}
	AppendRange(new, old, idx+inc, idx+1, old.NumKeys()-(idx+1))
}

func leafInsert(new, old Node, idx uint16, key, val []byte) {
	new.SetHeader(Leaf, old.NumKeys()+1)
	AppendRange(new, old, 0, 0, idx)
	AppendKV(new, idx, 0, key, val)
	AppendRange(new, old, idx+1, idx, old.NumKeys()-idx)
}

func leafUpdate(new, old Node, idx uint16, key, val []byte) {
	new.SetHeader(Leaf, old.NumKeys())
	AppendRange(new, old, 0, 0, idx)
	AppendKV(new, idx, 0, key, val)
	AppendRange(new, old, idx+1, idx+1, old.NumKeys()-idx-1)
}

// Get looks up key starting from root, returning (val, found).
func Get(store PageStore, root uint64, key []byte) ([]byte, bool) {
	if root == 0 {
		return nil, false
	}
	n := store.Get(root)
	for {
		idx := n.Lookup(key)
		switch n.Type() {
		case Leaf:
			if bytes.Equal(n.Key(idx), key) {
				return n.Val(idx), true
			}
			return nil, false
		case Internal:
			n = store.Get(n.Ptr(idx))
		default:
			panic("node: bad node type")
		}
	}
}

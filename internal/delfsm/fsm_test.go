package delfsm

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"btreekv/internal/metrics"
	"btreekv/internal/node"
	"btreekv/internal/storage"
)

func openTestCache(t *testing.T, sync bool) *storage.Cache {
	t.Helper()
	path := t.TempDir() + "/fsm.db"
	c, err := storage.Open(path, 2)
	require.NoError(t, err)
	c.SyncMode = sync
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seedTree(t *testing.T, c *storage.Cache, kvs [][2]string) {
	t.Helper()
	txn, ok := c.BeginTransaction(nil)
	require.True(t, ok)
	var root uint64
	for _, kv := range kvs {
		root = node.Insert(txn, root, []byte(kv[0]), []byte(kv[1]))
	}
	txn.SetRootID(root)
	require.True(t, txn.Commit(nil))
}

// runDelete drives a Delete through however many suspensions it takes,
// synchronous or not, and returns its outcome.
func runDelete(t *testing.T, c *storage.Cache, m *metrics.Tree, key string) OpResult {
	t.Helper()
	d := New(c, m)
	d.Init([]byte(key))
	var ev *storage.Event
	for !d.IsFinished() {
		res, err := d.Step(ev)
		require.NoError(t, err)
		ev = nil
		if res == ResultIncomplete {
			e := <-d.Events()
			ev = &e
		}
	}
	return d.OpResult()
}

func validateTree(t *testing.T, r *storage.Reader, id uint64) {
	t.Helper()
	if id == storage.NullBlockID {
		return
	}
	n := node.Node{Data: r.Get(id)}
	require.NoError(t, n.Validate())
	if n.IsInternal() {
		for i := uint16(0); i < n.NumKeys(); i++ {
			validateTree(t, r, n.Ptr(i))
		}
	}
}

func treeHeight(r *storage.Reader, id uint64) int {
	if id == storage.NullBlockID {
		return 0
	}
	n := node.Node{Data: r.Get(id)}
	if n.IsLeaf() {
		return 1
	}
	return 1 + treeHeight(r, n.Ptr(0))
}

func scanAll(r *storage.Reader) []string {
	var keys []string
	var walk func(id uint64)
	walk = func(id uint64) {
		if id == storage.NullBlockID {
			return
		}
		n := node.Node{Data: r.Get(id)}
		if n.IsLeaf() {
			for i := uint16(0); i < n.NumKeys(); i++ {
				// node.Insert's empty-key placeholder in the leftmost
				// leaf is not a stored key.
				if len(n.Key(i)) == 0 {
					continue
				}
				keys = append(keys, string(n.Key(i)))
			}
			return
		}
		for i := uint16(0); i < n.NumKeys(); i++ {
			walk(n.Ptr(i))
		}
	}
	walk(r.RootID())
	return keys
}

func manyKeys(n int) [][2]string {
	kvs := make([][2]string, n)
	for i := 0; i < n; i++ {
		kvs[i] = [2]string{fmt.Sprintf("key-%06d", i), fmt.Sprintf("val-%06d", i)}
	}
	return kvs
}

func TestDeleteFoundRemovesKeyAndLeavesTreeValid(t *testing.T) {
	c := openTestCache(t, true)
	seedTree(t, c, [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}})

	got := runDelete(t, c, nil, "b")
	require.Equal(t, OpFound, got)

	r := c.BeginRead()
	require.NotContains(t, scanAll(r), "b")
	require.Contains(t, scanAll(r), "a")
	require.Contains(t, scanAll(r), "c")
	validateTree(t, r, r.RootID())
}

func TestDeleteNotFoundIsIdempotentOnUnknownKey(t *testing.T) {
	c := openTestCache(t, true)
	seedTree(t, c, [][2]string{{"a", "1"}, {"b", "2"}})

	before := c.RootID()
	got1 := runDelete(t, c, nil, "zzz")
	require.Equal(t, OpNotFound, got1)
	got2 := runDelete(t, c, nil, "zzz")
	require.Equal(t, OpNotFound, got2)
	require.Equal(t, before, c.RootID())
}

func TestDeleteFromEmptyTreeIsNotFound(t *testing.T) {
	c := openTestCache(t, true)
	got := runDelete(t, c, nil, "anything")
	require.Equal(t, OpNotFound, got)
}

func TestDeleteDrainsALeafTriggeringMergeOrLevel(t *testing.T) {
	c := openTestCache(t, true)
	kvs := manyKeys(400)
	seedTree(t, c, kvs)

	r0 := c.BeginRead()
	heightBefore := treeHeight(r0, r0.RootID())

	m := &metrics.Tree{}
	// delete a contiguous run from the middle of the keyspace so the
	// leaves that covered it end up underfull relative to neighbors.
	for i := 150; i < 250; i++ {
		got := runDelete(t, c, m, fmt.Sprintf("key-%06d", i))
		require.Equal(t, OpFound, got)
	}

	r := c.BeginRead()
	validateTree(t, r, r.RootID())
	remaining := scanAll(r)
	require.Len(t, remaining, 300)
	require.True(t, sort.StringsAreSorted(remaining))
	require.LessOrEqual(t, treeHeight(r, r.RootID()), heightBefore)
	require.True(t, m.Snapshot().Merges > 0 || m.Snapshot().Levels > 0)
}

func TestDeleteCascadesToRootCollapse(t *testing.T) {
	c := openTestCache(t, true)
	kvs := manyKeys(120)
	seedTree(t, c, kvs)

	r0 := c.BeginRead()
	heightBefore := treeHeight(r0, r0.RootID())
	require.GreaterOrEqual(t, heightBefore, 2, "fixture must start with more than one level")

	m := &metrics.Tree{}
	for i := 0; i < 119; i++ {
		got := runDelete(t, c, m, fmt.Sprintf("key-%06d", i))
		require.Equal(t, OpFound, got)
	}

	r := c.BeginRead()
	validateTree(t, r, r.RootID())
	require.Equal(t, []string{"key-000119"}, scanAll(r))
	require.Equal(t, 1, treeHeight(r, r.RootID()))
	require.Greater(t, m.Snapshot().RootCollapses, int64(0))
}

func TestDeleteNeverIncreasesHeight(t *testing.T) {
	c := openTestCache(t, true)
	kvs := manyKeys(300)
	seedTree(t, c, kvs)

	r0 := c.BeginRead()
	prevHeight := treeHeight(r0, r0.RootID())

	for i := 0; i < 300; i += 3 {
		runDelete(t, c, nil, fmt.Sprintf("key-%06d", i))
		r := c.BeginRead()
		h := treeHeight(r, r.RootID())
		require.LessOrEqual(t, h, prevHeight)
		prevHeight = h
	}
}

func TestDeleteResumesCorrectlyAcrossGenuineSuspension(t *testing.T) {
	kvs := manyKeys(200)

	syncCache := openTestCache(t, true)
	seedTree(t, syncCache, kvs)
	asyncCache := openTestCache(t, false)
	seedTree(t, asyncCache, kvs)

	toDelete := []string{}
	for i := 50; i < 120; i++ {
		toDelete = append(toDelete, fmt.Sprintf("key-%06d", i))
	}

	for _, k := range toDelete {
		got := runDelete(t, syncCache, nil, k)
		require.Equal(t, OpFound, got)
	}
	for _, k := range toDelete {
		got := runDelete(t, asyncCache, nil, k)
		require.Equal(t, OpFound, got)
	}

	rs := syncCache.BeginRead()
	ra := asyncCache.BeginRead()
	wantSync, wantAsync := scanAll(rs), scanAll(ra)
	sort.Strings(wantSync)
	sort.Strings(wantAsync)
	require.Equal(t, wantSync, wantAsync)
	validateTree(t, ra, ra.RootID())
}

func TestManySuccessiveDeletesAllCommit(t *testing.T) {
	c := openTestCache(t, true)
	kvs := manyKeys(250)
	seedTree(t, c, kvs)

	for i := 0; i < 250; i++ {
		got := runDelete(t, c, nil, fmt.Sprintf("key-%06d", i))
		require.Equal(t, OpFound, got)
	}
	r := c.BeginRead()
	require.Empty(t, scanAll(r))
}

// seedTwoLeafRoot hand-builds a tree with exactly one internal root
// over two leaves, each holding a single key, bypassing node.Insert so
// the fanout is exact rather than however Split happens to divide a
// larger fixture. Returns the block id of the right leaf.
func seedTwoLeafRoot(t *testing.T, c *storage.Cache, leftKey, leftVal, rightKey, rightVal string) uint64 {
	t.Helper()
	txn, ok := c.BeginTransaction(nil)
	require.True(t, ok)

	left := node.Alloc()
	left.SetHeader(node.Leaf, 1)
	node.AppendKV(left, 0, 0, []byte(leftKey), []byte(leftVal))
	leftID := txn.New(left)

	right := node.Alloc()
	right.SetHeader(node.Leaf, 1)
	node.AppendKV(right, 0, 0, []byte(rightKey), []byte(rightVal))
	rightID := txn.New(right)

	root := node.Alloc()
	root.SetHeader(node.Internal, 2)
	node.AppendKV(root, 0, leftID, []byte(leftKey), nil)
	node.AppendKV(root, 1, rightID, []byte(rightKey), nil)
	rootID := txn.New(root)

	txn.SetRootID(rootID)
	require.True(t, txn.Commit(nil))
	return rightID
}

// TestDeleteCollapsesGenuineTwoLeafRoot forces the exact shape
// IsSingleton exists to recognize: an internal root with two children
// and nothing else. Draining the left leaf to zero real entries drives
// stepLeaf's empty-leaf/singleton-parent branch directly, which is
// only reachable at all once IsSingleton reports true on a two-child
// (NumKeys()==2) node rather than a node that's already down to one.
func TestDeleteCollapsesGenuineTwoLeafRoot(t *testing.T) {
	c := openTestCache(t, true)
	rightID := seedTwoLeafRoot(t, c, "a", "1", "b", "2")

	r0 := c.BeginRead()
	root := node.Node{Data: r0.Get(r0.RootID())}
	require.True(t, root.IsInternal())
	require.Equal(t, uint16(2), root.NumKeys())
	require.True(t, root.IsSingleton())

	m := &metrics.Tree{}
	got := runDelete(t, c, m, "a")
	require.Equal(t, OpFound, got)

	r := c.BeginRead()
	require.Equal(t, rightID, r.RootID())
	require.Equal(t, 1, treeHeight(r, r.RootID()))
	require.Equal(t, []string{"b"}, scanAll(r))
	validateTree(t, r, r.RootID())
	require.Equal(t, int64(1), m.Snapshot().RootCollapses)
}

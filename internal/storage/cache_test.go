package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"btreekv/internal/node"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(path, 2)
	require.NoError(t, err)
	c.SyncMode = true
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAllocateAcquireCommitRoundTrip(t *testing.T) {
	c := openTestCache(t)

	txn, ok := c.BeginTransaction(nil)
	require.True(t, ok)

	buf := txn.Allocate()
	n := buf.Ptr()
	n.SetHeader(node.Leaf, 1)
	node.AppendKV(n, 0, 0, []byte("a"), []byte("1"))
	buf.SetDirty()
	id := buf.ID
	buf.Release()

	txn.SetRootID(id)
	committed := txn.Commit(nil)
	require.True(t, committed)

	require.Equal(t, id, c.RootID())

	txn2, ok := c.BeginTransaction(nil)
	require.True(t, ok)
	b2, ok := txn2.Acquire(id, nil)
	require.True(t, ok)
	require.EqualValues(t, 1, b2.Ptr().NumKeys())
	require.Equal(t, "a", string(b2.Ptr().Key(0)))
	b2.Release()
	require.True(t, txn2.Commit(nil))
}

func TestPageStoreInsertGetThroughTxn(t *testing.T) {
	c := openTestCache(t)
	txn, ok := c.BeginTransaction(nil)
	require.True(t, ok)

	var root uint64
	for _, kv := range [][2]string{{"a", "1"}, {"m", "2"}, {"z", "3"}} {
		root = node.Insert(txn, root, []byte(kv[0]), []byte(kv[1]))
	}
	val, found := node.Get(txn, root, []byte("m"))
	require.True(t, found)
	require.Equal(t, "2", string(val))

	txn.SetRootID(root)
	require.True(t, txn.Commit(nil))
}

func TestAsyncAcquireDeliversEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.db")
	c, err := Open(path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	txn, ok := c.BeginTransaction(nil)
	require.True(t, ok)
	buf := txn.Allocate()
	buf.Ptr().SetHeader(node.Leaf, 1)
	node.AppendKV(buf.Ptr(), 0, 0, []byte("a"), []byte("1"))
	buf.SetDirty()
	id := buf.ID
	buf.Release()
	txn.SetRootID(id)

	done := make(chan Event, 1)
	committed := txn.Commit(done)
	require.False(t, committed)
	ev := <-done
	require.True(t, ev.Committed)

	txn2, ok := c.BeginTransaction(nil)
	require.True(t, ok)
	acqDone := make(chan Event, 1)
	_, ok = txn2.Acquire(id, acqDone)
	require.False(t, ok)
	ev2 := <-acqDone
	require.NotNil(t, ev2.Buf)
	require.EqualValues(t, 1, ev2.Buf.Ptr().NumKeys())
}

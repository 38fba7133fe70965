package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	pages map[uint64]Node
	next  uint64
}

func newMemStore() *memStore {
	return &memStore{pages: map[uint64]Node{}, next: 1}
}

func (s *memStore) Get(id uint64) Node { return s.pages[id] }
func (s *memStore) New(n Node) uint64 {
	id := s.next
	s.next++
	s.pages[id] = n
	return id
}
func (s *memStore) Del(id uint64) { delete(s.pages, id) }

func TestInsertGetRoundTrip(t *testing.T) {
	s := newMemStore()
	var root uint64
	want := map[string]string{"a": "1", "g": "2", "m": "3", "t": "4"}
	for k, v := range want {
		root = Insert(s, root, []byte(k), []byte(v))
	}
	for k, v := range want {
		got, ok := Get(s, root, []byte(k))
		require.True(t, ok)
		assert.Equal(t, v, string(got))
	}
	_, ok := Get(s, root, []byte("zzz"))
	assert.False(t, ok)
}

func TestLookupIgnoresPlaceholder(t *testing.T) {
	n := Alloc()
	n.SetHeader(Leaf, 3)
	AppendKV(n, 0, 0, nil, nil)
	AppendKV(n, 1, 0, []byte("b"), []byte("2"))
	AppendKV(n, 2, 0, []byte("d"), []byte("4"))

	assert.EqualValues(t, 1, n.Lookup([]byte("b")))
	assert.EqualValues(t, 1, n.Lookup([]byte("c")))
	assert.EqualValues(t, 2, n.Lookup([]byte("d")))
	assert.EqualValues(t, 0, n.Lookup([]byte("a")))
}

func TestMergeThenSplitRoundTrips(t *testing.T) {
	lo := Alloc()
	lo.SetHeader(Leaf, 2)
	AppendKV(lo, 0, 0, nil, nil)
	AppendKV(lo, 1, 0, []byte("a"), []byte("1"))

	hi := Alloc()
	hi.SetHeader(Leaf, 2)
	AppendKV(hi, 0, 0, []byte("m"), nil)
	AppendKV(hi, 1, 0, []byte("t"), []byte("4"))

	merged := Merge(lo, hi)
	require.NoError(t, merged.Validate())
	assert.EqualValues(t, 4, merged.NumKeys())

	n, parts := Split(merged)
	assert.Equal(t, 1, n)
	assert.LessOrEqual(t, parts[0].NBytes(), uint16(PageSize))
}

func TestIsMergableAndUnderfull(t *testing.T) {
	a := Alloc()
	a.SetHeader(Leaf, 1)
	AppendKV(a, 0, 0, []byte("a"), []byte("1"))
	assert.True(t, a.IsUnderfull())

	b := Alloc()
	b.SetHeader(Leaf, 1)
	AppendKV(b, 0, 0, []byte("z"), []byte("2"))
	assert.True(t, a.IsMergable(b))
}

func TestLevelRedistributesWithoutMerging(t *testing.T) {
	lo := Alloc()
	lo.SetHeader(Leaf, 1)
	AppendKV(lo, 0, 0, []byte("a"), []byte("1"))

	hi := Alloc()
	hi.SetHeader(Leaf, 5)
	AppendKV(hi, 0, 0, []byte("m"), []byte("2"))
	AppendKV(hi, 1, 0, []byte("n"), []byte("3"))
	AppendKV(hi, 2, 0, []byte("o"), []byte("4"))
	AppendKV(hi, 3, 0, []byte("p"), []byte("5"))
	AppendKV(hi, 4, 0, []byte("q"), []byte("6"))

	moved, _, newSep := Level(lo, hi)
	require.True(t, moved)
	require.NoError(t, lo.Validate())
	require.NoError(t, hi.Validate())
	assert.Greater(t, lo.NumKeys(), uint16(1))
	assert.NotEmpty(t, newSep)
}

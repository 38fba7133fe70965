// Package metrics is a small atomic counter tree the delete engine
// publishes to but never reads back; callers (the CLI's stats command)
// snapshot it for display. No perfmon-style collection/sampling layer
// was found imported anywhere in the corpus, so this stays on
// sync/atomic rather than reaching for a third-party metrics library.
package metrics

import "sync/atomic"

// Tree names every counter the delete engine increments.
type Tree struct {
	DeletesCompleted int64
	DeletesNotFound  int64
	Splits           int64
	Merges           int64
	Levels           int64
	RootCollapses    int64
}

// Inc increments the named counter by one; an unknown name is a no-op
// so a caller can pass a constant without the engine panicking on a
// typo.
func (t *Tree) Inc(name string) {
	if t == nil {
		return
	}
	switch name {
	case "DeletesCompleted":
		atomic.AddInt64(&t.DeletesCompleted, 1)
	case "DeletesNotFound":
		atomic.AddInt64(&t.DeletesNotFound, 1)
	case "Splits":
		atomic.AddInt64(&t.Splits, 1)
	case "Merges":
		atomic.AddInt64(&t.Merges, 1)
	case "Levels":
		atomic.AddInt64(&t.Levels, 1)
	case "RootCollapses":
		atomic.AddInt64(&t.RootCollapses, 1)
	}
}

// Snapshot returns a point-in-time copy safe to print or serialize.
func (t *Tree) Snapshot() Tree {
	if t == nil {
		return Tree{}
	}
	return Tree{
		DeletesCompleted: atomic.LoadInt64(&t.DeletesCompleted),
		DeletesNotFound:  atomic.LoadInt64(&t.DeletesNotFound),
		Splits:           atomic.LoadInt64(&t.Splits),
		Merges:           atomic.LoadInt64(&t.Merges),
		Levels:           atomic.LoadInt64(&t.Levels),
		RootCollapses:    atomic.LoadInt64(&t.RootCollapses),
	}
}

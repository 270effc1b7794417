package processor

import "sync"

// Change is a before/after pair. Before is nil for records the cache did
// not know.
type Change[T any] struct {
	Before *T
	After  *T
}

// Diff computes its Change on first access and returns the same snapshots
// afterwards.
type Diff[T any] struct {
	once   sync.Once
	before *T
	after  *T
	clone  func(*T) *T
	change Change[T]
}

func newDiff[T any](before, after *T, clone func(*T) *T) *Diff[T] {
	return &Diff[T]{before: before, after: after, clone: clone}
}

func (d *Diff[T]) Changes() Change[T] {
	if d == nil {
		return Change[T]{}
	}
	d.once.Do(func() {
		d.change = Change[T]{Before: d.clone(d.before), After: d.clone(d.after)}
	})
	return d.change
}

// Cached carries the record as it was just before its removal.
type Cached[T any] struct {
	data *T
}

func (c Cached[T]) CachedData() *T {
	return c.data
}

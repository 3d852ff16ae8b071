// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implement a set type as a `map[T]struct{}` but with better ergonomics.
package sets

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Worklist is a FIFO queue of unique elements: pushing an element already queued is a no-op.
// Once popped, an element can be pushed again.
//
// The zero value is ready to use.
type Worklist[T comparable] struct {
	queue  []T
	queued Set[T]
}

// Push appends the elements not yet queued, in order.
func (w *Worklist[T]) Push(elements ...T) {
	if w.queued == nil {
		w.queued = Make[T]()
	}
	for _, e := range elements {
		if w.queued.Has(e) {
			continue
		}
		w.queued.Insert(e)
		w.queue = append(w.queue, e)
	}
}

// Pop removes and returns the first element queued. It returns false if the worklist is empty.
func (w *Worklist[T]) Pop() (e T, ok bool) {
	if len(w.queue) == 0 {
		return e, false
	}
	e = w.queue[0]
	w.queue = w.queue[1:]
	delete(w.queued, e)
	return e, true
}

// Len returns the number of elements queued.
func (w *Worklist[T]) Len() int { return len(w.queue) }

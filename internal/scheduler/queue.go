// Package scheduler serializes outbound chunks by strict priority.
package scheduler

import "container/heap"

// Queue is a strict-priority queue that is FIFO within a priority level.
// It is not safe for concurrent use; Scheduler guards it.
type Queue[T any] struct {
	seq   uint64
	items entryHeap[T]
}

// Push adds v at the given level. Higher levels are dequeued first.
func (q *Queue[T]) Push(v T, priority int) {
	q.seq++
	heap.Push(&q.items, &entry[T]{priority: priority, seq: q.seq, value: v})
}

// Pop removes the oldest item of the highest non-empty level.
// ok is false when the queue is empty.
func (q *Queue[T]) Pop() (v T, priority int, ok bool) {
	if q.items.Len() == 0 {
		return v, 0, false
	}
	e := heap.Pop(&q.items).(*entry[T])
	return e.value, e.priority, true
}

// Reset drops every pending item.
func (q *Queue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0]
}

// ---------------------------------------------------------------------------
// entryHeap orders by priority (descending), then by enqueue sequence.
// ---------------------------------------------------------------------------

type entry[T any] struct {
	priority int
	seq      uint64
	value    T
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int      { return len(h) }
func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap[T]) Push(x any)   { *h = append(*h, x.(*entry[T])) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}

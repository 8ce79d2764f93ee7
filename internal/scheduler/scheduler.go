package scheduler

import "sync"

// Scheduler feeds queued items to a handler from a single drain goroutine.
//
// Enqueue never blocks on the handler. The first Enqueue on an idle
// scheduler starts a drain loop; Enqueue calls made while it runs, including
// re-entrant calls from the handler, only add to the queue. The loop exits
// as soon as it finds the queue empty and is restarted by the next Enqueue,
// so at most one handler call is in flight at any time.
type Scheduler[T any] struct {
	handle func(v T, priority int)

	mu       sync.Mutex
	queue    Queue[T]
	draining bool
	closed   bool
	idle     *sync.Cond
}

// New creates a scheduler that passes every dequeued item to handle.
func New[T any](handle func(v T, priority int)) *Scheduler[T] {
	s := &Scheduler[T]{handle: handle}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Enqueue adds v at the given priority. It returns false once the scheduler
// is closed.
func (s *Scheduler[T]) Enqueue(v T, priority int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue.Push(v, priority)
	if s.draining {
		s.mu.Unlock()
		return true
	}
	s.draining = true
	s.mu.Unlock()

	go s.drain()
	return true
}

// drain is the single-flight loop. It holds the lock only while dequeuing.
func (s *Scheduler[T]) drain() {
	for {
		s.mu.Lock()
		v, priority, ok := s.queue.Pop()
		if !ok || s.closed {
			s.draining = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.handle(v, priority)
	}
}

// Close drops pending items and rejects further Enqueue calls. An item
// already passed to the handler is allowed to finish.
func (s *Scheduler[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue.Reset()
	s.mu.Unlock()
}

// Wait blocks until no drain loop is running. After Close it returns once
// the handler call in flight, if any, has finished.
func (s *Scheduler[T]) Wait() {
	s.mu.Lock()
	for s.draining {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

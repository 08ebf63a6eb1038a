package memengine

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Lock-free submission queue
// --------------------------------------------------------------------------

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// queue is a lock-free multi-producer single-consumer queue. Any number of
// submitters push, the engine's dispatcher goroutine is the only consumer and
// reads through Recv(). Items pushed before Close are still delivered.
type queue[T any] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan *T
	consumer sync.WaitGroup
	closed   atomic.Bool

	// wakes the consumer when it ran dry
	mu   sync.Mutex
	cond *sync.Cond
}

func newQueue[T any]() *queue[T] {
	sentinel := &node[T]{}

	q := &queue[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push appends value. Returns false for nil values or a closed queue.
func (q *queue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may have moved tail already, that is fine
				q.tail.CompareAndSwap(tail, n)

				// signal under the lock, the consumer checks and waits under it
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but did not move tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin first, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume moves items from the linked list to the out channel until the queue
// is closed and empty.
func (q *queue[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			hasItems = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !hasItems && q.closed.Load() {
			return
		}

		if !hasItems {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the consumer reads from. It is closed after Close
// once every pushed item was delivered.
func (q *queue[T]) Recv() <-chan *T {
	return q.out
}

// Close stops further pushes.
func (q *queue[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

package memengine

import (
	"sync"
	"testing"
	"time"
)

// TestQueueOrderSingleProducer tests push and receive from one goroutine
func TestQueueOrderSingleProducer(t *testing.T) {
	q := newQueue[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(&i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}
}

// TestQueueConcurrentProducers verifies that no item is lost or duplicated
func TestQueueConcurrentProducers(t *testing.T) {
	q := newQueue[int]()
	defer q.Close()

	const producers = 8
	const perProducer = 1000
	total := producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := base + i
				if !q.Push(&v) {
					t.Errorf("push %d failed", v)
				}
			}
		}(p * perProducer)
	}

	seen := make(map[int]bool, total)
	for len(seen) < total {
		select {
		case v := <-q.Recv():
			if seen[*v] {
				t.Fatalf("Duplicate item %d", *v)
			}
			seen[*v] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout, received %d of %d", len(seen), total)
		}
	}
	wg.Wait()
}

// TestQueueClose verifies that queued items survive Close and the channel closes afterwards
func TestQueueClose(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 5; i++ {
		q.Push(&i)
	}
	q.Close()

	val := 100
	if q.Push(&val) {
		t.Error("Should not be able to push after queue is closed")
	}

	for i := 0; i < 5; i++ {
		select {
		case v := <-q.Recv():
			if *v != i {
				t.Errorf("Expected %d, got %d", i, *v)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d after close", i)
		}
	}

	select {
	case _, ok := <-q.Recv():
		if ok {
			t.Error("Channel should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel was not closed")
	}
}

func TestQueueRejectsNil(t *testing.T) {
	q := newQueue[int]()
	defer q.Close()
	if q.Push(nil) {
		t.Error("nil must not be accepted")
	}
}

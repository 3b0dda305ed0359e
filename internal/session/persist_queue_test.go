package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPersistQueueRunsJobsInOrder(t *testing.T) {
	t.Parallel()

	q := NewPersistQueue("conv", 64, nil)
	defer q.Close(time.Second)

	var mu sync.Mutex
	var order []int
	for i := range 50 {
		ok := q.Enqueue("job", func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			return nil
		})
		if !ok {
			t.Fatalf("job %d rejected", i)
		}
	}
	if !q.Flush(time.Second) {
		t.Fatal("flush timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 50 {
		t.Fatalf("ran %d jobs, want 50", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

func TestPersistQueueSwallowsFailures(t *testing.T) {
	t.Parallel()

	q := NewPersistQueue("conv", 8, nil)
	defer q.Close(time.Second)

	ran := make(chan struct{})
	q.Enqueue("fails", func(context.Context) error { return errors.New("disk full") })
	q.Enqueue("after", func(context.Context) error { close(ran); return nil })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job after a failure never ran")
	}
}

func TestPersistQueueDropsWhenFull(t *testing.T) {
	t.Parallel()

	q := NewPersistQueue("conv", 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	if !q.Enqueue("fills", func(context.Context) error { return nil }) {
		t.Fatal("first pending job rejected")
	}
	if q.Enqueue("overflow", func(context.Context) error { return nil }) {
		t.Fatal("job accepted beyond capacity")
	}

	close(release)
	q.Close(time.Second)
	if q.Enqueue("late", func(context.Context) error { return nil }) {
		t.Fatal("job accepted after close")
	}
}

func TestPersistQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewPersistQueue("conv", 16, nil)
	var mu sync.Mutex
	count := 0
	for range 10 {
		q.Enqueue("job", func(context.Context) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	q.Close(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Fatalf("ran %d jobs before close returned, want 10", count)
	}
}

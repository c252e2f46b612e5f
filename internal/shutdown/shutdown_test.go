package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/nghyane/llm-relay/internal/queue"
)

func TestShutdownClosesStoppingChannel(t *testing.T) {
	c := New(queue.New(10), time.Second)
	select {
	case <-c.Stopping():
		t.Fatal("Stopping() should not be closed before Shutdown")
	default:
	}
	c.Shutdown(context.Background())
	select {
	case <-c.Stopping():
	default:
		t.Fatal("Stopping() should be closed after Shutdown")
	}
}

func TestShutdownWaitsForInFlightTasks(t *testing.T) {
	c := New(queue.New(10), time.Second)
	taskDone := c.TrackTask()

	finished := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		taskDone()
	}()

	start := time.Now()
	go func() {
		c.Shutdown(context.Background())
		close(finished)
	}()

	<-finished
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("Shutdown returned before the in-flight task finished")
	}
}

func TestShutdownClearsQueuedWaiters(t *testing.T) {
	q := queue.New(10)
	c := New(q, time.Second)
	done, ok := q.Enqueue("a", time.Minute)
	if !ok {
		t.Fatal("enqueue failed")
	}
	c.Shutdown(context.Background())
	res := <-done
	if res.Outcome != queue.Shutdown {
		t.Fatalf("outcome = %v, want shutdown", res.Outcome)
	}
}

func TestShutdownReturnsTimeoutWithoutBlockingForever(t *testing.T) {
	c := New(queue.New(10), 10*time.Millisecond)
	c.TrackTask() // never completed

	err := c.Shutdown(context.Background())
	if err != nil {
		t.Fatalf("Shutdown returned %v, want nil (timeout elapsed, not cancelled)", err)
	}
}

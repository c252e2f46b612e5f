package queue

import (
	"testing"
	"time"
)

func TestEnqueueFullRejectsSynchronously(t *testing.T) {
	q := New(2)
	if _, ok := q.Enqueue("a", time.Second); !ok {
		t.Fatal("enqueue a should have succeeded")
	}
	if _, ok := q.Enqueue("b", time.Second); !ok {
		t.Fatal("enqueue b should have succeeded")
	}
	if _, ok := q.Enqueue("c", time.Second); ok {
		t.Fatal("enqueue c should have been rejected (queue full)")
	}
	if got := q.GetStats().TotalRejected; got != 1 {
		t.Fatalf("TotalRejected = %d, want 1", got)
	}
}

func TestEnqueueThenSignalResolvesGranted(t *testing.T) {
	q := New(10)
	done, ok := q.Enqueue("a", time.Second)
	if !ok {
		t.Fatal("enqueue failed")
	}
	if !q.SignalSlotAvailable() {
		t.Fatal("expected signal to find a waiter")
	}
	res := <-done
	if res.Outcome != Granted {
		t.Fatalf("outcome = %v, want granted", res.Outcome)
	}
}

func TestSignalWakesHeadInFIFOOrder(t *testing.T) {
	q := New(10)
	doneA, _ := q.Enqueue("a", time.Second)
	doneB, _ := q.Enqueue("b", time.Second)

	q.SignalSlotAvailable()
	select {
	case res := <-doneA:
		if res.Outcome != Granted {
			t.Fatalf("a outcome = %v, want granted", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("a was not resolved first")
	}

	select {
	case <-doneB:
		t.Fatal("b should not be resolved yet")
	default:
	}

	q.SignalSlotAvailable()
	select {
	case res := <-doneB:
		if res.Outcome != Granted {
			t.Fatalf("b outcome = %v, want granted", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("b was never resolved")
	}
}

func TestTimeoutFiresWithoutSignal(t *testing.T) {
	q := New(10)
	done, ok := q.Enqueue("a", 20*time.Millisecond)
	if !ok {
		t.Fatal("enqueue failed")
	}
	select {
	case res := <-done:
		if res.Outcome != Timeout {
			t.Fatalf("outcome = %v, want timeout", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	if got := q.GetStats().TotalTimedOut; got != 1 {
		t.Fatalf("TotalTimedOut = %d, want 1", got)
	}
}

func TestCancelResolvesCancelled(t *testing.T) {
	q := New(10)
	done, _ := q.Enqueue("a", time.Second)
	if !q.Cancel("a") {
		t.Fatal("cancel should find the entry")
	}
	res := <-done
	if res.Outcome != Cancelled {
		t.Fatalf("outcome = %v, want cancelled", res.Outcome)
	}
}

func TestClearResolvesEveryWaiter(t *testing.T) {
	q := New(10)
	doneA, _ := q.Enqueue("a", time.Second)
	doneB, _ := q.Enqueue("b", time.Second)
	q.Clear(Shutdown)

	for _, done := range []<-chan Result{doneA, doneB} {
		res := <-done
		if res.Outcome != Shutdown {
			t.Fatalf("outcome = %v, want shutdown", res.Outcome)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue len after clear = %d, want 0", q.Len())
	}
}

func TestGetPositionIsOneIndexedAndAbsentIsNegativeOne(t *testing.T) {
	q := New(10)
	q.Enqueue("a", time.Second)
	q.Enqueue("b", time.Second)

	if pos := q.GetPosition("a"); pos != 1 {
		t.Fatalf("position of a = %d, want 1", pos)
	}
	if pos := q.GetPosition("b"); pos != 2 {
		t.Fatalf("position of b = %d, want 2", pos)
	}
	if pos := q.GetPosition("missing"); pos != -1 {
		t.Fatalf("position of missing = %d, want -1", pos)
	}
}

func TestTimeoutAndSignalRaceResolvesOnlyOnce(t *testing.T) {
	q := New(10)
	done, _ := q.Enqueue("a", 10*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	// Entry has already timed out; signalling now should find nothing.
	if q.SignalSlotAvailable() {
		t.Fatal("signal should not find an already-timed-out entry")
	}
	res := <-done
	if res.Outcome != Timeout {
		t.Fatalf("outcome = %v, want timeout", res.Outcome)
	}
}

package offline

import (
	"fmt"
	"testing"
	"time"
)

func TestOpQueue_FIFO(t *testing.T) {
	q := newOpQueue(10)

	for i := 0; i < 3; i++ {
		q.enqueue(&QueuedOperation{Type: fmt.Sprintf("op-%d", i), QueuedAt: time.Now()})
	}

	for i := 0; i < 3; i++ {
		op, ok := q.dequeue()
		if !ok {
			t.Fatalf("expected operation %d", i)
		}
		if op.Type != fmt.Sprintf("op-%d", i) {
			t.Errorf("expected op-%d, got %s", i, op.Type)
		}
	}

	if _, ok := q.dequeue(); ok {
		t.Error("drained queue should be empty")
	}
}

// TestOpQueue_DropsOldestAtCap tests the bounded-queue policy: the oldest
// operation goes when the cap is reached
func TestOpQueue_DropsOldestAtCap(t *testing.T) {
	q := newOpQueue(3)

	for i := 0; i < 3; i++ {
		if dropped := q.enqueue(&QueuedOperation{Type: fmt.Sprintf("op-%d", i)}); dropped {
			t.Errorf("no drop expected at enqueue %d", i)
		}
	}

	if dropped := q.enqueue(&QueuedOperation{Type: "op-3"}); !dropped {
		t.Error("enqueue past the cap should report a drop")
	}
	if q.len() != 3 {
		t.Errorf("queue should stay at its cap, got %d", q.len())
	}
	if q.droppedCount() != 1 {
		t.Errorf("expected 1 drop counted, got %d", q.droppedCount())
	}

	op, _ := q.dequeue()
	if op.Type != "op-1" {
		t.Errorf("oldest operation should have been dropped; head is %s", op.Type)
	}
}

func TestOpQueue_ZeroLimitDefaults(t *testing.T) {
	q := newOpQueue(0)
	if q.limit != 100 {
		t.Errorf("expected default limit 100, got %d", q.limit)
	}
}

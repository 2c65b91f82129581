package offline

import (
	"sync"
	"time"

	"github.com/newscache/newscache/pkg/types"
)

// QueuedOperation is a request deferred until connectivity returns. It is
// created while offline and destroyed on successful replay or when the
// queue cap pushes it out.
type QueuedOperation struct {
	Type      string
	Params    types.Params
	Operation types.FetchFunc
	QueuedAt  time.Time
}

// opQueue is a bounded FIFO. When full, the oldest operation is dropped so
// a long offline stretch cannot grow the queue without bound.
type opQueue struct {
	mu      sync.Mutex
	ops     []*QueuedOperation
	limit   int
	dropped int
}

func newOpQueue(limit int) *opQueue {
	if limit <= 0 {
		limit = 100
	}
	return &opQueue{limit: limit}
}

// enqueue appends an operation, dropping the oldest if the cap is reached.
// Returns true when a drop happened.
func (q *opQueue) enqueue(op *QueuedOperation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if len(q.ops) >= q.limit {
		q.ops = q.ops[1:]
		q.dropped++
		dropped = true
	}
	q.ops = append(q.ops, op)
	return dropped
}

// dequeue removes and returns the oldest operation.
func (q *opQueue) dequeue() (*QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil, false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op, true
}

func (q *opQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *opQueue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

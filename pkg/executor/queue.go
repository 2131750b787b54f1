package executor

import (
	"sync"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// taskQueue is an unbounded FIFO so Submit can genuinely be non-blocking: a
// burst of submissions never stalls on a fixed-capacity channel, it just
// grows the backing slice until a worker drains it.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []types.Task
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) push(task types.Task) {
	q.mu.Lock()
	q.items = append(q.items, task)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed, in which
// case ok is false.
func (q *taskQueue) pop() (task types.Task, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return types.Task{}, false
	}

	task = q.items[0]
	q.items = q.items[1:]
	return task, true
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

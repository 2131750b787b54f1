package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/metrics"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// Facade hides a concrete Dispatcher behind the submit/results/outstanding/
// shutdown contract the Interchange Core depends on. Submission is
// single-producer (ingress), result consumption is single-consumer
// (egress); the Facade itself only owns the queue and the outstanding
// count between them.
type Facade struct {
	dispatcher Dispatcher
	logger     zerolog.Logger

	queue   *taskQueue
	results chan types.Result

	outstanding int64 // atomic

	lastSubmitMu sync.Mutex
	lastSubmit   time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewFacade wraps dispatcher in an Executor and starts the Facade's single
// dispatch loop in a goroutine; no separate start call is needed.
func NewFacade(dispatcher Dispatcher) *Facade {
	f := &Facade{
		dispatcher: dispatcher,
		logger:     log.WithComponent("executor"),
		queue:      newTaskQueue(),
		results:    make(chan types.Result, 64),
		stopCh:     make(chan struct{}),
		lastSubmit: time.Now(),
	}
	go f.dispatchLoop()
	return f
}

// Submit hands a task to the façade without blocking on its execution; it
// is queued if every worker slot in the underlying Dispatcher is busy.
// routingKey is carried through to the eventual Result unchanged, so the
// published result reaches the submitter that is owed it.
func (f *Facade) Submit(taskID uuid.UUID, taskBuffer []byte, routingKey string) error {
	f.lastSubmitMu.Lock()
	f.lastSubmit = time.Now()
	f.lastSubmitMu.Unlock()

	atomic.AddInt64(&f.outstanding, 1)
	metrics.TasksOutstanding.Set(float64(atomic.LoadInt64(&f.outstanding)))

	f.queue.push(types.Task{TaskID: taskID, TaskBuffer: taskBuffer, RoutingKey: routingKey})
	return nil
}

// Results returns the lazy, single-consumer sequence of completed results.
func (f *Facade) Results() <-chan types.Result {
	return f.results
}

// Outstanding is the number of tasks submitted with no result yet.
func (f *Facade) Outstanding() int {
	return int(atomic.LoadInt64(&f.outstanding))
}

// IdleFor reports how long it has been since the last Submit call. This,
// together with Outstanding, is the narrow read-only view the Scaling
// Strategy needs — it never sees the Facade itself.
func (f *Facade) IdleFor() time.Duration {
	f.lastSubmitMu.Lock()
	defer f.lastSubmitMu.Unlock()
	return time.Since(f.lastSubmit)
}

func (f *Facade) dispatchLoop() {
	for {
		task, ok := f.queue.pop()
		if !ok {
			return
		}

		f.wg.Add(1)
		go f.run(task)
	}
}

func (f *Facade) run(task types.Task) {
	defer f.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	result := types.Result{TaskID: task.TaskID, RoutingKey: task.RoutingKey, CompletedAt: time.Now()}

	data, err := f.dispatcher.Run(ctx, task)
	if err != nil {
		f.logger.Warn().Str("task_id", task.TaskID.String()).Err(err).Msg("worker failed")
		result.Kind = types.ResultKindWorkerFailed
		result.Data = []byte(fmt.Sprintf("worker failed: %v", err))
		metrics.WorkerFailuresTotal.Inc()
	} else {
		result.Kind = types.ResultKindSuccess
		result.Data = data
	}

	atomic.AddInt64(&f.outstanding, -1)
	metrics.TasksOutstanding.Set(float64(atomic.LoadInt64(&f.outstanding)))

	select {
	case f.results <- result:
	case <-f.stopCh:
	}
}

// Shutdown stops accepting new dispatch work. When drain is true it blocks
// until every in-flight task has produced a result (or ctx expires);
// otherwise it cancels in-flight work immediately.
func (f *Facade) Shutdown(ctx context.Context, drain bool) error {
	f.queue.close()

	if !drain {
		f.stopOnce.Do(func() { close(f.stopCh) })
		f.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		f.stopOnce.Do(func() { close(f.stopCh) })
		<-done
		return ctx.Err()
	}
}

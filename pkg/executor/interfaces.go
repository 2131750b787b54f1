package executor

import (
	"context"
	"os/exec"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// Dispatcher runs a single task to completion and returns its result bytes.
// It blocks for the lifetime of the task; the façade is what makes
// submission itself non-blocking by queuing calls to Run behind a worker
// goroutine per task.
type Dispatcher interface {
	Run(ctx context.Context, task types.Task) ([]byte, error)
}

// Provider is the capacity-control side of a worker-block flavor: it grows
// or shrinks the pool and reports what it currently holds. The Scaling
// Strategy (C4) talks to a Provider directly; it never sees the Executor.
type Provider interface {
	ScaleOut(ctx context.Context, n int) error
	ScaleIn(ctx context.Context, n int) error
	Status(ctx context.Context) (types.ProviderStatus, error)
}

// Launcher builds the OS command used to run a task as a bare process. Only
// the process-pool flavor needs this; containerd and cluster flavors launch
// work through their own client libraries instead.
type Launcher interface {
	WrapCommand(task types.Task) (*exec.Cmd, error)
}

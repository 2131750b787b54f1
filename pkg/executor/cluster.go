package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// ClusterPool wraps a batch-job scheduler (e.g. Slurm, an HPC queueing
// system) reachable over HTTP. A "block" here is a submitted job that, once
// running, polls the endpoint's task queue on its own; ScaleOut/ScaleIn
// only change how many such jobs are queued or running, they do not
// individually dispatch tasks — the Facade's Dispatcher side is unused for
// this flavor, Run always fails fast.
type ClusterPool struct {
	http       *resty.Client
	submitPath string
	cancelPath string
	jobSpec    map[string]any

	logger zerolog.Logger

	mu   sync.Mutex
	jobs []string // scheduler-assigned job IDs currently outstanding
}

// NewClusterPool builds a pool against a cluster scheduler's REST API.
func NewClusterPool(baseURL, submitPath, cancelPath string, jobSpec map[string]any) *ClusterPool {
	return &ClusterPool{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second),
		submitPath: submitPath,
		cancelPath: cancelPath,
		jobSpec:    jobSpec,
		logger:     log.WithComponent("executor.cluster"),
	}
}

type jobSubmission struct {
	JobID string `json:"job_id"`
}

// ScaleOut submits n new jobs to the scheduler.
func (p *ClusterPool) ScaleOut(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		var result jobSubmission
		resp, err := p.http.R().
			SetContext(ctx).
			SetBody(p.jobSpec).
			SetResult(&result).
			Post(p.submitPath)
		if err != nil {
			return fmt.Errorf("cluster pool: submit job: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("cluster pool: submit job: scheduler returned %s", resp.Status())
		}

		p.mu.Lock()
		p.jobs = append(p.jobs, result.JobID)
		p.mu.Unlock()

		p.logger.Info().Str("job_id", result.JobID).Msg("submitted cluster job")
	}
	return nil
}

// ScaleIn cancels n outstanding jobs, oldest first.
func (p *ClusterPool) ScaleIn(ctx context.Context, n int) error {
	p.mu.Lock()
	victims := make([]string, 0, n)
	for i := 0; i < n && len(p.jobs) > 0; i++ {
		victims = append(victims, p.jobs[0])
		p.jobs = p.jobs[1:]
	}
	p.mu.Unlock()

	var firstErr error
	for _, jobID := range victims {
		resp, err := p.http.R().SetContext(ctx).Delete(fmt.Sprintf("%s/%s", p.cancelPath, jobID))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("cluster pool: cancel job %s: %w", jobID, err)
			}
			continue
		}
		if resp.IsError() && firstErr == nil {
			firstErr = fmt.Errorf("cluster pool: cancel job %s: scheduler returned %s", jobID, resp.Status())
		}
	}
	return firstErr
}

// Run always fails: a cluster job polls the broker for its own work once
// scheduled, it is never handed a task directly by the Facade. ClusterPool
// satisfies Dispatcher only so it can share the same Provider/Dispatcher
// pairing the other flavors use; callers wiring cluster mode should not
// route submissions through a Facade built around this pool.
func (p *ClusterPool) Run(ctx context.Context, task types.Task) ([]byte, error) {
	return nil, fmt.Errorf("cluster pool: tasks are not dispatched directly, jobs self-poll the broker")
}

// Status reports the currently outstanding jobs as blocks.
func (p *ClusterPool) Status(ctx context.Context) (types.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]types.BlockID, len(p.jobs))
	for i, j := range p.jobs {
		ids[i] = types.BlockID(j)
	}
	return types.ProviderStatus{ActiveBlocks: ids}, nil
}

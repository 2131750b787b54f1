package executor

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// containerdNamespace isolates the endpoint's blocks from any other tenant
// of a shared containerd daemon.
const containerdNamespace = "funcx-endpoint"

// block is one long-lived container the endpoint keeps warm; tasks are
// dispatched into it via containerd's exec rather than spinning up a fresh
// container per task.
type block struct {
	id        types.BlockID
	container containerd.Container
}

// ContainerdPool is the containerized worker-block flavor: Provider manages
// a set of warm containers, and Dispatcher.Run execs the task's runner
// inside one of them.
type ContainerdPool struct {
	client *containerd.Client
	image  string
	runner []string // command run inside the container for each task, fed the task buffer on stdin

	logger zerolog.Logger

	mu     sync.Mutex
	blocks []*block
	next   int // round-robin cursor over blocks
}

// NewContainerdPool connects to containerd at socketPath and prepares to
// run image's containers, invoking runner inside each to execute a task.
func NewContainerdPool(socketPath, image string, runner []string) (*ContainerdPool, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("containerd pool: connect: %w", err)
	}
	return &ContainerdPool{
		client: client,
		image:  image,
		runner: runner,
		logger: log.WithComponent("executor.containerd"),
	}, nil
}

func (p *ContainerdPool) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), containerdNamespace)
}

// ScaleOut pulls the image (once) and starts n new warm containers.
func (p *ContainerdPool) ScaleOut(ctx context.Context, n int) error {
	ctx = namespaces.WithNamespace(ctx, containerdNamespace)

	image, err := p.client.GetImage(ctx, p.image)
	if err != nil {
		image, err = p.client.Pull(ctx, p.image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("containerd pool: pull %s: %w", p.image, err)
		}
	}

	for i := 0; i < n; i++ {
		id := uuid.New().String()
		c, err := p.client.NewContainer(
			ctx,
			id,
			containerd.WithImage(image),
			containerd.WithNewSnapshot(id+"-snapshot", image),
			containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithProcessArgs("sleep", "infinity")),
		)
		if err != nil {
			return fmt.Errorf("containerd pool: create container: %w", err)
		}

		task, err := c.NewTask(ctx, cio.NullIO)
		if err != nil {
			return fmt.Errorf("containerd pool: create task: %w", err)
		}
		if err := task.Start(ctx); err != nil {
			return fmt.Errorf("containerd pool: start task: %w", err)
		}

		p.mu.Lock()
		p.blocks = append(p.blocks, &block{id: types.BlockID(id), container: c})
		p.mu.Unlock()

		p.logger.Debug().Str("block_id", id).Msg("warm container started")
	}
	return nil
}

// ScaleIn stops and removes n warm containers, most-recently-created first.
func (p *ContainerdPool) ScaleIn(ctx context.Context, n int) error {
	ctx = namespaces.WithNamespace(ctx, containerdNamespace)

	p.mu.Lock()
	victims := make([]*block, 0, n)
	for i := 0; i < n && len(p.blocks) > 0; i++ {
		last := len(p.blocks) - 1
		victims = append(victims, p.blocks[last])
		p.blocks = p.blocks[:last]
	}
	p.mu.Unlock()

	var firstErr error
	for _, b := range victims {
		if err := p.teardown(ctx, b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *ContainerdPool) teardown(ctx context.Context, b *block) error {
	task, err := b.container.Task(ctx, nil)
	if err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			p.logger.Warn().Str("block_id", string(b.id)).Err(err).Msg("failed to delete task")
		}
	}
	if err := b.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("containerd pool: delete container %s: %w", b.id, err)
	}
	return nil
}

// Status reports the currently warm blocks.
func (p *ContainerdPool) Status(ctx context.Context) (types.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]types.BlockID, len(p.blocks))
	for i, b := range p.blocks {
		ids[i] = b.id
	}
	return types.ProviderStatus{ActiveBlocks: ids}, nil
}

// Run execs the runner command inside the next warm container (round-robin),
// feeding it the task buffer on stdin and capturing stdout as the result.
func (p *ContainerdPool) Run(ctx context.Context, t types.Task) ([]byte, error) {
	ctx = namespaces.WithNamespace(ctx, containerdNamespace)

	p.mu.Lock()
	if len(p.blocks) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("containerd pool: no warm blocks available")
	}
	b := p.blocks[p.next%len(p.blocks)]
	p.next++
	p.mu.Unlock()

	task, err := b.container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("containerd pool: load task for block %s: %w", b.id, err)
	}

	execID := "exec-" + t.TaskID.String()
	stdin := bytes.NewReader(t.TaskBuffer)
	var stdout, stderr bytes.Buffer

	spec := &specs.Process{Args: p.runner, Cwd: "/"}
	process, err := task.Exec(ctx, execID, spec, cio.NewCreator(cio.WithStreams(stdin, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("containerd pool: exec: %w", err)
	}

	statusC, err := process.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("containerd pool: wait: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return nil, fmt.Errorf("containerd pool: start exec: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, _ := status.Result()
		process.Delete(ctx)
		if code != 0 {
			return nil, fmt.Errorf("containerd pool: task exited %d: %s", code, stderr.String())
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		process.Kill(ctx, 9)
		return nil, ctx.Err()
	}
}

// Close tears down every warm container and disconnects from containerd.
func (p *ContainerdPool) Close() error {
	ctx := p.ctx()
	p.mu.Lock()
	blocks := p.blocks
	p.blocks = nil
	p.mu.Unlock()

	for _, b := range blocks {
		_ = p.teardown(ctx, b)
	}
	return p.client.Close()
}

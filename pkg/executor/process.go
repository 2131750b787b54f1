package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// ExecLauncher wraps each task as an invocation of a fixed executable that
// reads the task buffer on stdin and writes the result on stdout. It is the
// Launcher for the bare-process worker-block flavor.
type ExecLauncher struct {
	Command string
	Args    []string
}

func (l *ExecLauncher) WrapCommand(task types.Task) (*exec.Cmd, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("process launcher: no command configured")
	}
	return exec.Command(l.Command, l.Args...), nil
}

// ProcessPool is a bare-process worker block: ScaleOut/ScaleIn resize a
// counting semaphore that bounds how many WrapCommand invocations may run
// concurrently, and Run blocks until a slot is free.
type ProcessPool struct {
	launcher Launcher
	logger   zerolog.Logger

	cond     *sync.Cond
	capacity int
	active   int
}

// NewProcessPool creates a pool with zero capacity; call ScaleOut to admit
// work.
func NewProcessPool(launcher Launcher) *ProcessPool {
	p := &ProcessPool{
		launcher: launcher,
		logger:   log.WithComponent("executor.process"),
	}
	p.cond = sync.NewCond(&sync.Mutex{})
	return p
}

func (p *ProcessPool) acquire(ctx context.Context) error {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.L.Lock()
			p.cond.Broadcast()
			p.cond.L.Unlock()
		case <-watchDone:
		}
	}()

	p.cond.L.Lock()
	defer p.cond.L.Unlock()

	for p.active >= p.capacity {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.active++
	return nil
}

func (p *ProcessPool) release() {
	p.cond.L.Lock()
	p.active--
	p.cond.Broadcast()
	p.cond.L.Unlock()
}

// Run executes task as a subprocess, piping the task buffer to stdin and
// reading the result from stdout.
func (p *ProcessPool) Run(ctx context.Context, task types.Task) ([]byte, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, fmt.Errorf("process pool: acquire slot: %w", err)
	}
	defer p.release()

	cmd, err := p.launcher.WrapCommand(task)
	if err != nil {
		return nil, fmt.Errorf("process pool: wrap command: %w", err)
	}

	cmd.Stdin = bytes.NewReader(task.TaskBuffer)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process pool: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("process pool: exited with error: %w: %s", err, stderr.String())
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
		return nil, ctx.Err()
	}
}

// ScaleOut admits n more concurrent tasks.
func (p *ProcessPool) ScaleOut(ctx context.Context, n int) error {
	p.cond.L.Lock()
	p.capacity += n
	p.cond.L.Unlock()
	p.cond.Broadcast()
	p.logger.Debug().Int("delta", n).Int("capacity", p.capacity).Msg("scaled out")
	return nil
}

// ScaleIn reduces admitted concurrency by n, never below zero. In-flight
// tasks are not interrupted; fewer new ones are admitted going forward.
func (p *ProcessPool) ScaleIn(ctx context.Context, n int) error {
	p.cond.L.Lock()
	p.capacity -= n
	if p.capacity < 0 {
		p.capacity = 0
	}
	newCap := p.capacity
	p.cond.L.Unlock()
	p.logger.Debug().Int("delta", n).Int("capacity", newCap).Msg("scaled in")
	return nil
}

// Status reports the pool's current admitted capacity as one block per
// slot. The in-flight count is not included.
func (p *ProcessPool) Status(ctx context.Context) (types.ProviderStatus, error) {
	p.cond.L.Lock()
	defer p.cond.L.Unlock()

	blocks := make([]types.BlockID, p.capacity)
	for i := range blocks {
		blocks[i] = types.BlockID(fmt.Sprintf("process-slot-%d", i))
	}
	return types.ProviderStatus{ActiveBlocks: blocks}, nil
}

package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// identityDispatcher is the "mock executor" referenced by the round-trip
// scenario: it echoes the task buffer back as the result.
type identityDispatcher struct{}

func (identityDispatcher) Run(ctx context.Context, task types.Task) ([]byte, error) {
	return task.TaskBuffer, nil
}

type failingDispatcher struct{}

func (failingDispatcher) Run(ctx context.Context, task types.Task) ([]byte, error) {
	return nil, fmt.Errorf("boom")
}

func TestFacadeRoundTrip(t *testing.T) {
	f := NewFacade(identityDispatcher{})
	taskID := uuid.New()

	require.NoError(t, f.Submit(taskID, []byte("abc"), "rk-submitter"))

	select {
	case result := <-f.Results():
		assert.Equal(t, taskID, result.TaskID)
		assert.Equal(t, types.ResultKindSuccess, result.Kind)
		assert.Equal(t, []byte("abc"), result.Data)
		assert.Equal(t, "rk-submitter", result.RoutingKey)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	assert.Equal(t, 0, f.Outstanding())
}

func TestFacadeWorkerFailureSurfacesAsResult(t *testing.T) {
	f := NewFacade(failingDispatcher{})
	taskID := uuid.New()

	require.NoError(t, f.Submit(taskID, []byte("abc"), "rk-submitter"))

	select {
	case result := <-f.Results():
		assert.Equal(t, types.ResultKindWorkerFailed, result.Kind)
		assert.Equal(t, taskID, result.TaskID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestFacadeOutstandingTracksInFlight(t *testing.T) {
	block := make(chan struct{})
	f := NewFacade(dispatcherFunc(func(ctx context.Context, task types.Task) ([]byte, error) {
		<-block
		return task.TaskBuffer, nil
	}))

	require.NoError(t, f.Submit(uuid.New(), []byte("x"), ""))
	require.Eventually(t, func() bool { return f.Outstanding() == 1 }, time.Second, 10*time.Millisecond)

	close(block)
	<-f.Results()
	assert.Equal(t, 0, f.Outstanding())
}

func TestFacadeShutdownDrainWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := NewFacade(dispatcherFunc(func(ctx context.Context, task types.Task) ([]byte, error) {
		close(started)
		<-release
		return task.TaskBuffer, nil
	}))
	require.NoError(t, f.Submit(uuid.New(), []byte("x"), ""))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- f.Shutdown(ctx, true) }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown(drain=true) returned while a task was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-shutdownDone)
	result := <-f.Results()
	assert.Equal(t, []byte("x"), result.Data)
}

type dispatcherFunc func(ctx context.Context, task types.Task) ([]byte, error)

func (f dispatcherFunc) Run(ctx context.Context, task types.Task) ([]byte, error) {
	return f(ctx, task)
}

package executor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// catLauncher echoes stdin back on stdout, so the pool's Run return value
// can be asserted directly against the task buffer.
type catLauncher struct{}

func (catLauncher) WrapCommand(task types.Task) (*exec.Cmd, error) {
	return exec.Command("cat"), nil
}

func TestProcessPoolRunsWithinCapacity(t *testing.T) {
	pool := NewProcessPool(catLauncher{})
	require.NoError(t, pool.ScaleOut(context.Background(), 2))

	out, err := pool.Run(context.Background(), types.Task{TaskID: uuid.New(), TaskBuffer: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}

func TestProcessPoolBlocksAtZeroCapacity(t *testing.T) {
	pool := NewProcessPool(catLauncher{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := pool.Run(ctx, types.Task{TaskID: uuid.New(), TaskBuffer: []byte("abc")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessPoolScaleInNeverGoesNegative(t *testing.T) {
	pool := NewProcessPool(catLauncher{})
	require.NoError(t, pool.ScaleIn(context.Background(), 5))

	status, err := pool.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status.ActiveBlocks)
}

func TestExecLauncherRequiresCommand(t *testing.T) {
	l := &ExecLauncher{}
	_, err := l.WrapCommand(types.Task{})
	assert.Error(t, err)
}

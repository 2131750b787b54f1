package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

type fakeLoad struct {
	outstanding int
	idleFor     time.Duration
}

func (f *fakeLoad) Outstanding() int          { return f.outstanding }
func (f *fakeLoad) IdleFor() time.Duration    { return f.idleFor }

type fakeProvider struct {
	mu      sync.Mutex
	current int
	outCalls []int
	inCalls  []int
}

func (p *fakeProvider) ScaleOut(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current += n
	p.outCalls = append(p.outCalls, n)
	return nil
}

func (p *fakeProvider) ScaleIn(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current -= n
	p.inCalls = append(p.inCalls, n)
	return nil
}

func (p *fakeProvider) Status(ctx context.Context) (types.ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blocks := make([]types.BlockID, p.current)
	return types.ProviderStatus{ActiveBlocks: blocks}, nil
}

func TestEvaluateScalesOutToCoverOutstanding(t *testing.T) {
	load := &fakeLoad{outstanding: 3}
	provider := &fakeProvider{}
	s := New(Config{Tick: time.Second, MinBlocks: 0, MaxBlocks: 5, MaxIdleTime: time.Minute}, load, provider)

	require.NoError(t, s.evaluate())
	assert.Equal(t, 3, provider.current)
}

func TestEvaluateNeverExceedsMaxBlocks(t *testing.T) {
	load := &fakeLoad{outstanding: 10}
	provider := &fakeProvider{}
	s := New(Config{Tick: time.Second, MinBlocks: 0, MaxBlocks: 2, MaxIdleTime: time.Minute}, load, provider)

	require.NoError(t, s.evaluate())
	assert.Equal(t, 2, provider.current)
}

func TestEvaluateScalesDownAfterIdle(t *testing.T) {
	load := &fakeLoad{outstanding: 0, idleFor: 10 * time.Second}
	provider := &fakeProvider{current: 2}
	s := New(Config{Tick: time.Second, MinBlocks: 0, MaxBlocks: 2, MaxIdleTime: 2 * time.Second}, load, provider)

	require.NoError(t, s.evaluate())
	assert.Equal(t, 0, provider.current)
}

func TestEvaluateNeverGoesBelowMinBlocks(t *testing.T) {
	load := &fakeLoad{outstanding: 0, idleFor: time.Hour}
	provider := &fakeProvider{current: 1}
	s := New(Config{Tick: time.Second, MinBlocks: 1, MaxBlocks: 2, MaxIdleTime: time.Second}, load, provider)

	require.NoError(t, s.evaluate())
	assert.Equal(t, 1, provider.current)
}

func TestEvaluatePrefersScaleOutOnTie(t *testing.T) {
	// Both outstanding work and an idle signal are present at once (can
	// happen right as a new burst starts after a long lull) — scale out
	// must win the tick.
	load := &fakeLoad{outstanding: 1, idleFor: time.Hour}
	provider := &fakeProvider{current: 0}
	s := New(Config{Tick: time.Second, MinBlocks: 0, MaxBlocks: 2, MaxIdleTime: time.Second}, load, provider)

	require.NoError(t, s.evaluate())
	assert.Equal(t, 1, provider.current)
	assert.Empty(t, provider.inCalls)
}

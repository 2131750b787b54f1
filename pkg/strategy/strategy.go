package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/metrics"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/types"
)

// LoadView is the narrow read-only window into the executor that the
// Strategy is allowed: outstanding work and idle time, nothing else. This
// breaks the Interchange/Executor/Strategy ownership cycle — the Strategy
// never reaches back into the Interchange Core.
type LoadView interface {
	Outstanding() int
	IdleFor() time.Duration
}

// Provider is the capacity side of whichever worker-block flavor is active.
type Provider interface {
	ScaleOut(ctx context.Context, n int) error
	ScaleIn(ctx context.Context, n int) error
	Status(ctx context.Context) (types.ProviderStatus, error)
}

// Config bounds the Simple strategy described in the spec: never below
// MinBlocks, never above MaxBlocks, scale down to MinBlocks after
// MaxIdleTime of no submissions.
type Config struct {
	Tick        time.Duration
	MinBlocks   int
	MaxBlocks   int
	MaxIdleTime time.Duration
}

// DefaultConfig matches the document's stated defaults.
func DefaultConfig() Config {
	return Config{
		Tick:        5 * time.Second,
		MinBlocks:   0,
		MaxBlocks:   4,
		MaxIdleTime: 2 * time.Minute,
	}
}

// Simple is the required default scaling policy: cover outstanding tasks up
// to MaxBlocks, and fall back to MinBlocks once the executor has been idle
// for MaxIdleTime. On a tick where both signals fire, scaling out wins.
type Simple struct {
	cfg      Config
	load     LoadView
	provider Provider
	logger   zerolog.Logger

	stopCh chan struct{}
}

// New creates a Simple strategy; call Start to begin the tick loop.
func New(cfg Config, load LoadView, provider Provider) *Simple {
	return &Simple{
		cfg:      cfg,
		load:     load,
		provider: provider,
		logger:   log.WithComponent("strategy"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop in a goroutine.
func (s *Simple) Start() {
	go s.run()
}

// Stop ends the tick loop.
func (s *Simple) Stop() {
	close(s.stopCh)
}

func (s *Simple) run() {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.cfg.Tick).Int("min_blocks", s.cfg.MinBlocks).Int("max_blocks", s.cfg.MaxBlocks).Msg("scaling strategy started")

	for {
		select {
		case <-ticker.C:
			if err := s.evaluate(); err != nil {
				s.logger.Error().Err(err).Msg("scaling evaluation failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("scaling strategy stopped")
			return
		}
	}
}

func (s *Simple) evaluate() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Tick)
	defer cancel()

	status, err := s.provider.Status(ctx)
	if err != nil {
		return err
	}
	current := len(status.ActiveBlocks)
	outstanding := s.load.Outstanding()
	idleFor := s.load.IdleFor()

	metrics.BlocksActive.Set(float64(current))

	// Tie-break in favor of scaling out: check it first and let it win the
	// tick even if the idle condition also holds.
	desired := current
	if outstanding > current {
		desired = outstanding
	}
	if desired > s.cfg.MaxBlocks {
		desired = s.cfg.MaxBlocks
	}

	if desired > current {
		if err := s.provider.ScaleOut(ctx, desired-current); err != nil {
			return err
		}
		metrics.ScalingDecisionsTotal.WithLabelValues("out").Inc()
		s.logger.Info().Int("from", current).Int("to", desired).Msg("scaled out")
		return nil
	}

	if outstanding == 0 && idleFor >= s.cfg.MaxIdleTime && current > s.cfg.MinBlocks {
		target := s.cfg.MinBlocks
		if err := s.provider.ScaleIn(ctx, current-target); err != nil {
			return err
		}
		metrics.ScalingDecisionsTotal.WithLabelValues("in").Inc()
		s.logger.Info().Int("from", current).Int("to", target).Msg("scaled in after idle")
		return nil
	}

	return nil
}

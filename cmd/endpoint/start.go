package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/config"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/executor"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/interchange"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/metrics"
	"github.com/funcx-faas/funcx-endpoint-go/pkg/strategy"
)

// ErrConfigError wraps any failure resolving config.yaml or the executor
// flavor it names; main maps it to the dedicated configuration exit code.
var ErrConfigError = errors.New("endpoint: configuration error")

func isConfigError(err error) bool {
	return errors.Is(err, ErrConfigError)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Register with the control plane and run the interchange",
	Long: `start loads config.yaml from --dir, registers this endpoint with the
control plane, and runs the interchange until SIGTERM/SIGINT triggers a
graceful drain.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("endpoint-id", "", "Endpoint UUID (generated and persisted if omitted)")
	startCmd.Flags().String("name", "", "Human-readable endpoint name")
	startCmd.Flags().String("control-plane-url", "", "Base URL of the funcX control plane (required)")
	_ = startCmd.MarkFlagRequired("control-plane-url")
}

func runStart(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	controlPlaneURL, _ := cmd.Flags().GetString("control-plane-url")
	name, _ := cmd.Flags().GetString("name")
	endpointIDFlag, _ := cmd.Flags().GetString("endpoint-id")

	cfg, loader, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigError, err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr)
	}

	endpointID, err := resolveEndpointID(endpointIDFlag)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigError, err)
	}
	if name == "" {
		name = endpointID.String()
	}

	dispatcher, provider, closer, err := buildExecutorBackend(cfg.Executor)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigError, err)
	}
	if closer != nil {
		defer closer.Close()
	}

	facade := executor.NewFacade(dispatcher)

	core, err := interchange.New(interchange.Config{
		Dir:               dir,
		EndpointID:        endpointID,
		Name:              name,
		Metadata:          map[string]string{"hostname": hostname()},
		EndpointVersion:   Version,
		ControlPlaneURL:   controlPlaneURL,
		BrokerURLOverride: cfg.Broker.AMQPURLOverride,
		Strategy: strategy.Config{
			Tick:        cfg.Strategy.Tick(),
			MinBlocks:   cfg.Strategy.MinBlocks,
			MaxBlocks:   cfg.Strategy.MaxBlocks,
			MaxIdleTime: cfg.Strategy.MaxIdleTime(),
		},
	}, facade, provider)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigError, err)
	}

	loader.Watch(func(fresh *config.Config) {
		log.Logger.Info().Msg("config.yaml reloaded; the running interchange keeps the strategy/executor settings it started with")
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return core.Run(ctx)
}

// startMetricsServer serves the Prometheus collectors registered in
// pkg/metrics over /metrics in the background. A failure here is logged,
// not fatal — scraping is an operational nicety, not something the
// interchange's own invariants depend on.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()

	log.Logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
}

// buildExecutorBackend constructs the Dispatcher/Provider pair for the
// configured worker-block flavor. Both interfaces are satisfied by the
// same concrete pool so the Executor façade and the Scaling Strategy share
// one pool without ever referencing each other.
func buildExecutorBackend(cfg config.ExecutorConfig) (executor.Dispatcher, strategy.Provider, io.Closer, error) {
	switch cfg.Flavor {
	case "", "process":
		launcher := &executor.ExecLauncher{Command: cfg.Process.Command, Args: cfg.Process.Args}
		pool := executor.NewProcessPool(launcher)
		return pool, pool, nil, nil

	case "containerd":
		pool, err := executor.NewContainerdPool(cfg.Containerd.SocketPath, cfg.Containerd.Image, cfg.Containerd.Runner)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("containerd pool: %w", err)
		}
		return pool, pool, pool, nil

	case "cluster":
		pool := executor.NewClusterPool(cfg.Cluster.BaseURL, cfg.Cluster.SubmitPath, cfg.Cluster.CancelPath, cfg.Cluster.JobSpec)
		return pool, pool, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown executor flavor %q", cfg.Flavor)
	}
}

func resolveEndpointID(flag string) (uuid.UUID, error) {
	if flag == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(flag)
}

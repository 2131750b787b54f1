package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/funcx-faas/funcx-endpoint-go/pkg/log"
)

// Config is the subset of the endpoint directory's config.yaml the core
// cares about. Everything else in the file (submitter-facing metadata,
// search/indexing helpers, and the like) belongs to the CLI/SDK surface
// that is out of scope here.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Executor ExecutorConfig `mapstructure:"executor"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Broker   BrokerOverride `mapstructure:"broker"`
}

// ExecutorConfig selects and configures one worker-block flavor.
type ExecutorConfig struct {
	Flavor     string           `mapstructure:"flavor"` // "process" | "containerd" | "cluster"
	Process    ProcessConfig    `mapstructure:"process"`
	Containerd ContainerdConfig `mapstructure:"containerd"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
}

type ProcessConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

type ContainerdConfig struct {
	SocketPath string   `mapstructure:"socket_path"`
	Image      string   `mapstructure:"image"`
	Runner     []string `mapstructure:"runner"`
}

type ClusterConfig struct {
	BaseURL    string         `mapstructure:"base_url"`
	SubmitPath string         `mapstructure:"submit_path"`
	CancelPath string         `mapstructure:"cancel_path"`
	JobSpec    map[string]any `mapstructure:"job_spec"`
}

// StrategyConfig configures the Simple scaling policy (C4).
type StrategyConfig struct {
	TickSeconds        int `mapstructure:"tick_seconds"`
	MinBlocks          int `mapstructure:"min_blocks"`
	MaxBlocks          int `mapstructure:"max_blocks"`
	MaxIdleTimeSeconds int `mapstructure:"max_idle_time_seconds"`
}

// BrokerOverride lets an operator pin the AMQP URL instead of trusting the
// one the control plane hands back at registration — useful when the
// endpoint reaches the broker through a different address than the control
// plane advertises (NAT, a jump host, a local proxy).
type BrokerOverride struct {
	AMQPURLOverride string `mapstructure:"amqp_url_override"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("metrics_addr", "127.0.0.1:9090")
	v.SetDefault("executor.flavor", "process")
	v.SetDefault("strategy.tick_seconds", 5)
	v.SetDefault("strategy.min_blocks", 1)
	v.SetDefault("strategy.max_blocks", 4)
	v.SetDefault("strategy.max_idle_time_seconds", 120)
}

// Loader wraps the viper.Viper instance backing a Config so callers can
// Watch it for hot-reload after the initial Load.
type Loader struct {
	v   *viper.Viper
	dir string
}

// Load reads config.yaml from endpointDir, applying FUNCX_-prefixed
// environment overrides (FUNCX_STRATEGY_MAX_BLOCKS overrides
// strategy.max_blocks, and so on). A missing file is not an error — the
// defaults apply and the endpoint can still start.
func Load(endpointDir string) (*Config, *Loader, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(endpointDir)

	v.SetEnvPrefix("FUNCX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("config: read %s/config.yaml: %w", endpointDir, err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}

	return cfg, &Loader{v: v, dir: endpointDir}, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Watch installs a callback invoked with the freshly re-unmarshaled Config
// whenever config.yaml changes on disk. Broker connection parameters are
// not part of this file — they come from the registration record and are
// immutable for the run — so a reload only ever affects logging, strategy
// tuning, and executor parameters the operator is safe to change live.
func (l *Loader) Watch(onChange func(*Config)) {
	logger := log.WithComponent("config")

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshal(l.v)
		if err != nil {
			logger.Error().Err(err).Msg("config reload failed, keeping previous settings")
			return
		}
		logger.Info().Str("op", e.Op.String()).Msg("config.yaml changed, reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Tick returns the configured tick interval as a time.Duration.
func (c StrategyConfig) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// MaxIdleTime returns the configured idle threshold as a time.Duration.
func (c StrategyConfig) MaxIdleTime() time.Duration {
	return time.Duration(c.MaxIdleTimeSeconds) * time.Second
}

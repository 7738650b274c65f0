package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/LICODX/chunkproof/pkg/core"
)

const EnvPrefix = "CHUNKPROOF"

// Config holds the entire configuration for a chunkproof node.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Challenge ChallengeConfig `yaml:"challenge" mapstructure:"challenge"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxChunkBytes   int64         `yaml:"max_chunk_bytes" mapstructure:"max_chunk_bytes"`
	RequestsPerSec  float64       `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Burst           int           `yaml:"burst" mapstructure:"burst"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir       string `yaml:"data_dir" mapstructure:"data_dir"`
	ChunkDir      string `yaml:"chunk_dir" mapstructure:"chunk_dir"`
	CacheEntries  int    `yaml:"cache_entries" mapstructure:"cache_entries"`
	ScanWorkers   int    `yaml:"scan_workers" mapstructure:"scan_workers"`
	ReconcileOpen bool   `yaml:"reconcile_on_open" mapstructure:"reconcile_on_open"`
}

type ChallengeConfig struct {
	TTL                time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxPendingPerAgent int           `yaml:"max_pending_per_agent" mapstructure:"max_pending_per_agent"`
	HistoryWindow      int           `yaml:"history_window" mapstructure:"history_window"`
	LeaderboardSize    int           `yaml:"leaderboard_size" mapstructure:"leaderboard_size"`
	RetainPerAgent     int           `yaml:"retain_per_agent" mapstructure:"retain_per_agent"`
	MaxBatch           int           `yaml:"max_batch" mapstructure:"max_batch"`
	SweepInterval      time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	PruneInterval      time.Duration `yaml:"prune_interval" mapstructure:"prune_interval"`
}

type LedgerConfig struct {
	// Mode selects the contribution ledger: "local" (LevelDB) or "http".
	Mode            string        `yaml:"mode" mapstructure:"mode"`
	URL             string        `yaml:"url" mapstructure:"url"`
	ManifestFile    string        `yaml:"manifest_file" mapstructure:"manifest_file"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout" mapstructure:"notify_timeout"`
	NotifyRetries   int           `yaml:"notify_retries" mapstructure:"notify_retries"`
	BreakerFailures int           `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8470",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxChunkBytes:   16 << 20,
			RequestsPerSec:  50,
			Burst:           100,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:       "./data",
			CacheEntries:  1024,
			ScanWorkers:   8,
			ReconcileOpen: false,
		},
		Challenge: ChallengeConfig{
			TTL:                core.ChallengeTTL,
			MaxPendingPerAgent: core.MaxPendingPerAgent,
			HistoryWindow:      core.HistoryWindow,
			LeaderboardSize:    core.LeaderboardSize,
			RetainPerAgent:     200,
			MaxBatch:           256,
			SweepInterval:      30 * time.Second,
			PruneInterval:      time.Hour,
		},
		Ledger: LedgerConfig{
			Mode:            "local",
			NotifyTimeout:   core.LedgerNotifyTimeout,
			NotifyRetries:   2,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// setDefaults mirrors Default() into viper so env-only overrides resolve.
func setDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return err
	}
	for k, val := range flatten("", m) {
		v.SetDefault(k, val)
	}
	return nil
}

func flatten(prefix string, m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Load reads path (optional) and CHUNKPROOF_* env overrides, e.g.
// CHUNKPROOF_STORAGE_DATA_DIR=/var/lib/chunkproof.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, xerrors.Errorf("failed to seed config defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, xerrors.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, xerrors.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return core.Validation("storage.data_dir is required")
	}
	if c.Challenge.TTL <= 0 {
		return core.Validation("challenge.ttl must be positive")
	}
	if c.Challenge.MaxPendingPerAgent < 1 {
		return core.Validation("challenge.max_pending_per_agent must be at least 1")
	}
	if c.Challenge.HistoryWindow < 1 {
		return core.Validation("challenge.history_window must be at least 1")
	}
	if c.Challenge.RetainPerAgent < c.Challenge.HistoryWindow {
		return core.Validation("challenge.retain_per_agent must be at least challenge.history_window")
	}
	switch c.Ledger.Mode {
	case "local":
	case "http":
		if c.Ledger.URL == "" {
			return core.Validation("ledger.url is required in http mode")
		}
	default:
		return core.Validation("ledger.mode must be local or http, got %q", c.Ledger.Mode)
	}
	if c.Server.MaxChunkBytes <= 0 {
		return core.Validation("server.max_chunk_bytes must be positive")
	}
	return nil
}

// ChunkRoot is where chunk files live; defaults to <data_dir>/chunks.
func (c *Config) ChunkRoot() string {
	if c.Storage.ChunkDir != "" {
		return c.Storage.ChunkDir
	}
	return strings.TrimRight(c.Storage.DataDir, "/") + "/chunks"
}

func (c *Config) RegistryPath() string {
	return strings.TrimRight(c.Storage.DataDir, "/") + "/registry"
}

func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

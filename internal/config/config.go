// Package config loads and normalizes the docreviewd runtime configuration:
// defaults, then config.yaml, then environment overrides, in that order.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GovernorConfig holds C2's concurrency caps.
type GovernorConfig struct {
	SystemMaxConcurrentTasks      int `yaml:"system_max_concurrent_tasks"`
	UserDefaultMaxConcurrentTasks int `yaml:"user_default_max_concurrent_tasks"`
	UserDBConnectionLimit         int `yaml:"user_db_connection_limit"`
}

// QueueConfig holds C3's scheduling and backpressure knobs.
type QueueConfig struct {
	QueueCheckIntervalSeconds int `yaml:"queue_check_interval_sec"`
	MaxQueueLength            int `yaml:"max_queue_length"`
	PriorityBoostThresholdSec int `yaml:"priority_boost_threshold_sec"`
	MaxRetries                int `yaml:"max_retries"`
}

// WorkerConfig holds C4's pool size and per-task wall-clock budget.
type WorkerConfig struct {
	WorkerPoolSize int `yaml:"worker_pool_size"`
	TaskTimeoutSec int `yaml:"task_timeout_sec"`
}

// PipelineConfig holds C5's parsing and fan-out limits.
type PipelineConfig struct {
	PerTaskDetectFanout    int   `yaml:"per_task_detect_fanout"`
	MaxFileSizeBytes       int64 `yaml:"max_file_size_bytes"`
	MergeChunkTargetChars  int   `yaml:"merge_chunk_target_chars"`
	MergeChunkOverlapChars int   `yaml:"merge_chunk_overlap_chars"`
}

// LogBusConfig holds C6's slow-consumer threshold.
type LogBusConfig struct {
	PerSubBufferMax int `yaml:"per_sub_buffer_max"`
}

// AIProviderConfig holds the settings for one AI backend entry.
type AIProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url,omitempty"`
}

// AIConfig selects and configures the AIClient backend.
type AIConfig struct {
	// Provider names the active backend: "anthropic" (default) or "mock".
	Provider  string                      `yaml:"provider"`
	Providers map[string]AIProviderConfig `yaml:"providers"`
}

// GatewayConfig holds the HTTP/WebSocket surface's bind, auth, and CORS settings.
type GatewayConfig struct {
	BindAddr        string   `yaml:"bind_addr"`
	AuthToken       string   `yaml:"auth_token"`
	AllowOrigins    []string `yaml:"allow_origins"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
}

// StoreConfig holds the sqlite Store's file location and durability knobs.
type StoreConfig struct {
	DBPath         string `yaml:"db_path"`
	BusyTimeoutMs  int    `yaml:"busy_timeout_ms"`
}

// RetentionConfig holds maintenance's sweep intervals and retention windows.
type RetentionConfig struct {
	TaskLogsDays  int `yaml:"task_logs_days"`
	AIOutputsDays int `yaml:"ai_outputs_days"`
	SweepInterval int `yaml:"sweep_interval_sec"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Governor  GovernorConfig  `yaml:"governor"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	LogBus    LogBusConfig    `yaml:"logbus"`
	AI        AIConfig        `yaml:"ai"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Store     StoreConfig     `yaml:"store"`
	Retention RetentionConfig `yaml:"retention"`

	NeedsGenesis bool `yaml:"-"`
}

// Fingerprint is a short, stable hash of the settings that change a running
// worker pool or gateway's shape; callers use it to decide whether a
// hot-reloaded config.yaml requires a component restart rather than an
// in-place field update.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|system=%d|bind=%s|log=%s|origins=%v",
		c.Worker.WorkerPoolSize, c.Governor.SystemMaxConcurrentTasks, c.Gateway.BindAddr, c.LogLevel, c.Gateway.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Governor: GovernorConfig{
			SystemMaxConcurrentTasks:      100,
			UserDefaultMaxConcurrentTasks: 10,
			UserDBConnectionLimit:         5,
		},
		Queue: QueueConfig{
			QueueCheckIntervalSeconds: 5,
			MaxQueueLength:            200,
			PriorityBoostThresholdSec: 300,
			MaxRetries:                3,
		},
		Worker: WorkerConfig{
			WorkerPoolSize: 20,
			TaskTimeoutSec: int((10 * time.Minute).Seconds()),
		},
		Pipeline: PipelineConfig{
			PerTaskDetectFanout:    4,
			MaxFileSizeBytes:       100 * 1 << 20,
			MergeChunkTargetChars:  6000,
			MergeChunkOverlapChars: 500,
		},
		LogBus: LogBusConfig{
			PerSubBufferMax: 256,
		},
		AI: AIConfig{
			Provider: "anthropic",
			Providers: map[string]AIProviderConfig{
				"anthropic": {APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-sonnet-4-5-20250929"},
			},
		},
		Gateway: GatewayConfig{
			BindAddr:        "127.0.0.1:18790",
			RateLimitPerMin: 120,
		},
		Store: StoreConfig{
			DBPath:        "docreview.db",
			BusyTimeoutMs: 5000,
		},
		Retention: RetentionConfig{
			TaskLogsDays:  90,
			AIOutputsDays: 90,
			SweepInterval: 300,
		},
	}
}

// HomeDir resolves the directory docreviewd reads config.yaml and writes its
// sqlite database from, honoring DOCREVIEW_HOME as an override.
func HomeDir() string {
	if override := os.Getenv("DOCREVIEW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".docreview")
}

// Load resolves HomeDir, reads config.yaml if present (NeedsGenesis is set
// when it is absent, so the caller can write out defaults), applies
// environment overrides, and normalizes zero-valued fields to their defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create docreview home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Governor.SystemMaxConcurrentTasks <= 0 {
		cfg.Governor.SystemMaxConcurrentTasks = 100
	}
	if cfg.Governor.UserDefaultMaxConcurrentTasks <= 0 {
		cfg.Governor.UserDefaultMaxConcurrentTasks = 10
	}
	if cfg.Governor.UserDBConnectionLimit <= 0 {
		cfg.Governor.UserDBConnectionLimit = 5
	}
	if cfg.Queue.QueueCheckIntervalSeconds <= 0 {
		cfg.Queue.QueueCheckIntervalSeconds = 5
	}
	if cfg.Queue.MaxQueueLength <= 0 {
		cfg.Queue.MaxQueueLength = 200
	}
	if cfg.Queue.PriorityBoostThresholdSec <= 0 {
		cfg.Queue.PriorityBoostThresholdSec = 300
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Worker.WorkerPoolSize <= 0 {
		cfg.Worker.WorkerPoolSize = 20
	}
	if cfg.Worker.TaskTimeoutSec <= 0 {
		cfg.Worker.TaskTimeoutSec = int((10 * time.Minute).Seconds())
	}
	if cfg.Pipeline.PerTaskDetectFanout <= 0 {
		cfg.Pipeline.PerTaskDetectFanout = 4
	}
	if cfg.Pipeline.MaxFileSizeBytes <= 0 {
		cfg.Pipeline.MaxFileSizeBytes = 100 * 1 << 20
	}
	if cfg.Pipeline.MergeChunkTargetChars <= 0 {
		cfg.Pipeline.MergeChunkTargetChars = 6000
	}
	if cfg.Pipeline.MergeChunkOverlapChars <= 0 {
		cfg.Pipeline.MergeChunkOverlapChars = 500
	}
	if cfg.LogBus.PerSubBufferMax <= 0 {
		cfg.LogBus.PerSubBufferMax = 256
	}
	if strings.TrimSpace(cfg.AI.Provider) == "" {
		cfg.AI.Provider = "anthropic"
	}
	if cfg.AI.Providers == nil {
		cfg.AI.Providers = map[string]AIProviderConfig{}
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Gateway.RateLimitPerMin <= 0 {
		cfg.Gateway.RateLimitPerMin = 120
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = "docreview.db"
	}
	if !filepath.IsAbs(cfg.Store.DBPath) {
		cfg.Store.DBPath = filepath.Join(cfg.HomeDir, cfg.Store.DBPath)
	}
	if cfg.Store.BusyTimeoutMs <= 0 {
		cfg.Store.BusyTimeoutMs = 5000
	}
	if cfg.Retention.SweepInterval <= 0 {
		cfg.Retention.SweepInterval = 300
	}
}

// validate rejects configurations that would let C3's priority boost starve
// itself or let the worker pool outrun the system semaphore it draws from.
func validate(cfg *Config) error {
	if cfg.Worker.WorkerPoolSize > cfg.Governor.SystemMaxConcurrentTasks {
		return fmt.Errorf("worker_pool_size (%d) must be <= governor.system_max_concurrent_tasks (%d)",
			cfg.Worker.WorkerPoolSize, cfg.Governor.SystemMaxConcurrentTasks)
	}
	if cfg.Pipeline.PerTaskDetectFanout > cfg.Worker.WorkerPoolSize {
		return fmt.Errorf("pipeline.per_task_detect_fanout (%d) must be <= worker.worker_pool_size (%d)",
			cfg.Pipeline.PerTaskDetectFanout, cfg.Worker.WorkerPoolSize)
	}
	if cfg.Pipeline.MergeChunkOverlapChars >= cfg.Pipeline.MergeChunkTargetChars {
		return fmt.Errorf("pipeline.merge_chunk_overlap_chars (%d) must be < pipeline.merge_chunk_target_chars (%d)",
			cfg.Pipeline.MergeChunkOverlapChars, cfg.Pipeline.MergeChunkTargetChars)
	}
	return nil
}

// ProviderAPIKey resolves the AI provider's API key from its configured
// environment variable, falling back to an inline key in config.yaml.
func (c Config) ProviderAPIKey(provider string) string {
	p, ok := c.AI.Providers[provider]
	if !ok {
		return ""
	}
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DOCREVIEW_SYSTEM_MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Governor.SystemMaxConcurrentTasks = v
		}
	}
	if raw := os.Getenv("DOCREVIEW_USER_DEFAULT_MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Governor.UserDefaultMaxConcurrentTasks = v
		}
	}
	if raw := os.Getenv("DOCREVIEW_USER_DB_CONNECTION_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Governor.UserDBConnectionLimit = v
		}
	}
	if raw := os.Getenv("DOCREVIEW_WORKER_POOL_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.WorkerPoolSize = v
		}
	}
	if raw := os.Getenv("DOCREVIEW_TASK_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.TaskTimeoutSec = v
		}
	}
	if raw := os.Getenv("DOCREVIEW_MAX_QUEUE_LENGTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.MaxQueueLength = v
		}
	}
	if raw := os.Getenv("DOCREVIEW_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("DOCREVIEW_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("DOCREVIEW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DOCREVIEW_DB_PATH"); raw != "" {
		cfg.Store.DBPath = raw
	}
	if raw := os.Getenv("DOCREVIEW_AI_PROVIDER"); raw != "" {
		cfg.AI.Provider = raw
	}
}

// Package config loads auto-claude configuration from
// .auto-claude/config.yaml and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Env var names honored by the loader.
const (
	EnvDefaultBranch = "DEFAULT_BRANCH"
	EnvModel         = "AUTO_CLAUDE_MODEL"
	EnvLinearAPIKey  = "LINEAR_API_KEY"
	EnvGraphiti      = "GRAPHITI_ENABLED"
	EnvExpectedBots  = "GITHUB_EXPECTED_BOTS"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Model is the primary agent model id.
	Model string `mapstructure:"model"`
	// SummaryModel is the cheap model used for compaction summaries.
	SummaryModel string `mapstructure:"summary_model"`
	// Thinking is the agent thinking level passthrough.
	Thinking string `mapstructure:"thinking"`

	// BaseBranch overrides base branch detection when set.
	BaseBranch string `mapstructure:"base_branch"`

	Review    ReviewConfig    `mapstructure:"review"`
	Grace     GraceConfig     `mapstructure:"grace"`
	CheckWait CheckWaitConfig `mapstructure:"check_wait"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Linear    LinearConfig    `mapstructure:"linear"`
	Graphiti  GraphitiConfig  `mapstructure:"graphiti"`
}

// ReviewConfig controls the PR review orchestrator and bot detector.
type ReviewConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	MaxConcurrent       int64         `mapstructure:"max_concurrent"`
	ReviewOwnPRs        bool          `mapstructure:"review_own_prs"`
	CoolingOff          time.Duration `mapstructure:"cooling_off"`
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
	AuthorizedUsers     []string      `mapstructure:"authorized_users"`
	BotStateRetention   time.Duration `mapstructure:"bot_state_retention"`
}

// GraceConfig controls override grace periods.
type GraceConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// CheckWaitConfig controls CI/bot polling.
type CheckWaitConfig struct {
	CITimeout        time.Duration `mapstructure:"ci_timeout"`
	BotTimeout       time.Duration `mapstructure:"bot_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset"`
	ExpectedBots     []string      `mapstructure:"expected_bots"`
}

// AuditConfig controls the audit log.
type AuditConfig struct {
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
	Retention    time.Duration `mapstructure:"retention"`
}

// BatchConfig controls the issue batch engine.
type BatchConfig struct {
	MaxBatchSize int `mapstructure:"max_batch_size"`
	MinBatchSize int `mapstructure:"min_batch_size"`
}

// EmbeddingConfig selects the embedding provider for duplicate detection.
type EmbeddingConfig struct {
	// Provider is one of "openai", "voyage", "local". Empty disables
	// embeddings; duplicate detection degrades to empty results.
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	BaseURL  string        `mapstructure:"base_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LinearConfig controls the optional Linear notification sink.
type LinearConfig struct {
	APIKey string `mapstructure:"api_key"`
	TeamID string `mapstructure:"team_id"`
}

// GraphitiConfig controls the optional Graphiti memory sink.
type GraphitiConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model:        "claude-sonnet-4-5",
		SummaryModel: "claude-haiku-4-5",
		Review: ReviewConfig{
			MaxIterations:       5,
			MaxConcurrent:       3,
			CoolingOff:          time.Minute,
			ConsecutiveFailures: 3,
			BotStateRetention:   30 * 24 * time.Hour,
		},
		Grace: GraceConfig{Window: 15 * time.Minute},
		CheckWait: CheckWaitConfig{
			CITimeout:        30 * time.Minute,
			BotTimeout:       15 * time.Minute,
			PollInterval:     15 * time.Second,
			BackoffBase:      15 * time.Second,
			BackoffCap:       120 * time.Second,
			BreakerThreshold: 3,
			BreakerReset:     5 * time.Minute,
		},
		Audit: AuditConfig{
			MaxFileBytes: 50 << 20,
			Retention:    30 * 24 * time.Hour,
		},
		Batch: BatchConfig{
			MaxBatchSize: 5,
			MinBatchSize: 2,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			CacheTTL: 24 * time.Hour,
		},
	}
}

// Load reads .auto-claude/config.yaml under projectDir (if present) over the
// defaults, then applies environment overrides.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(projectDir, AutoClaudeDirName, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDefaultBranch); v != "" {
		cfg.BaseBranch = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvLinearAPIKey); v != "" {
		cfg.Linear.APIKey = v
	}
	if v := os.Getenv(EnvGraphiti); v != "" {
		cfg.Graphiti.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv(EnvExpectedBots); v != "" {
		var bots []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				bots = append(bots, b)
			}
		}
		cfg.CheckWait.ExpectedBots = bots
	}
}

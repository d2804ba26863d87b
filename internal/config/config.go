// Package config loads razor's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/retry"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/watch"
)

// Config is the full daemon configuration.
type Config struct {
	// DataDir holds razor.db.
	DataDir string `yaml:"data_dir"`
	// VaultDir is the root of the notes being managed.
	VaultDir string `yaml:"vault_dir"`
	LogLevel string `yaml:"log_level"`

	Server     ServerConfig    `yaml:"server"`
	Queue      queue.Config    `yaml:"queue"`
	Retry      retry.Policy    `yaml:"retry"`
	Undo       UndoConfig      `yaml:"undo"`
	Duplicates DuplicateConfig `yaml:"duplicates"`
	Runner     RunnerConfig    `yaml:"runner"`
	LLM        LLMConfig       `yaml:"llm"`
	Watch      watch.Config    `yaml:"watch"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type UndoConfig struct {
	MaxSnapshots int `yaml:"max_snapshots"`
}

// DuplicateConfig controls duplicate detection after embedding.
type DuplicateConfig struct {
	// Threshold is the minimum similarity recorded as a candidate pair.
	Threshold float64 `yaml:"threshold"`
	TopK      int     `yaml:"top_k"`
}

type RunnerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// TaskTimeout bounds one execution attempt.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// LockWarnAfter is how long a lock may be held before the watchdog
	// reports it. Locks are never force-released.
	LockWarnAfter time.Duration `yaml:"lock_warn_after"`
}

type LLMConfig struct {
	// Host overrides OLLAMA_HOST when set.
	Host       string `yaml:"host"`
	ChatModel  string `yaml:"chat_model"`
	EmbedModel string `yaml:"embed_model"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:  filepath.Join(home, ".razor"),
		VaultDir: filepath.Join(home, "vault"),
		LogLevel: "info",
		Server:   ServerConfig{Addr: "127.0.0.1:7471"},
		Queue:    queue.DefaultConfig(),
		Retry:    retry.DefaultPolicy(),
		Undo:     UndoConfig{MaxSnapshots: 100},
		Duplicates: DuplicateConfig{
			Threshold: 0.9,
			TopK:      5,
		},
		Runner: RunnerConfig{
			PollInterval:  time.Second,
			TaskTimeout:   5 * time.Minute,
			LockWarnAfter: 15 * time.Minute,
		},
		LLM: LLMConfig{
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Watch: watch.DefaultConfig(),
	}
}

// DefaultPath returns ~/.razor/config.yaml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".razor", "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be >= 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Undo.MaxSnapshots < 1 {
		return fmt.Errorf("undo.max_snapshots must be >= 1, got %d", c.Undo.MaxSnapshots)
	}
	if c.Duplicates.Threshold < 0 || c.Duplicates.Threshold > 1 {
		return fmt.Errorf("duplicates.threshold must be within [0,1], got %v", c.Duplicates.Threshold)
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1, got %v", c.Retry.Factor)
	}
	if err := c.Watch.Validate(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if c.Runner.PollInterval <= 0 {
		c.Runner.PollInterval = time.Second
	}
	return nil
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "razor.db")
}

// Package config loads remi's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
	"github.com/rekal-dev/remi/cmd/remi/cli/search"
)

// FileName is the config file inside the config directory.
const FileName = "config.yaml"

// Environment overrides. They take precedence over the file.
const (
	EnvConfig  = "REMI_CONFIG"
	EnvDataDir = "REMI_DATA_DIR"
	EnvWorkers = "REMI_WORKERS"
)

// Config is the contents of config.yaml.
type Config struct {
	DataDir    string                  `yaml:"data_dir"`
	ArchiveDir string                  `yaml:"archive_dir,omitempty"` // defaults to <data_dir>/archive
	Workers    int                     `yaml:"workers"`
	LogLevel   string                  `yaml:"log_level"`
	Search     SearchConfig            `yaml:"search"`
	Semantic   SemanticConfig          `yaml:"semantic"`
	Sources    map[string]SourceConfig `yaml:"sources,omitempty"`
	Archive    ArchiveConfig           `yaml:"archive"`
}

type SearchConfig struct {
	K              int     `yaml:"k"`
	LexicalWeight  float64 `yaml:"lexical_weight"`
	RecencyWeight  float64 `yaml:"recency_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	Limit          int     `yaml:"limit"`
}

type SemanticConfig struct {
	Enabled   bool `yaml:"enabled"`
	Dimension int  `yaml:"dimension"`
}

// SourceConfig replaces an agent's default discovery roots.
type SourceConfig struct {
	Paths []string `yaml:"paths"`
}

type ArchiveConfig struct {
	OlderThan  string `yaml:"older_than"` // "30d", "72h"
	KeepLatest int    `yaml:"keep_latest"`
}

// Default returns the built-in configuration.
func Default() *Config {
	w := search.DefaultWeights()
	return &Config{
		DataDir:  defaultDataDir(),
		LogLevel: "warn",
		Search: SearchConfig{
			K:              search.DefaultK,
			LexicalWeight:  w.Lexical,
			RecencyWeight:  w.Recency,
			SemanticWeight: w.Semantic,
			Limit:          search.DefaultLimit,
		},
		Semantic: SemanticConfig{Enabled: true, Dimension: 128},
		Archive:  ArchiveConfig{OlderThan: "90d", KeepLatest: 5},
	}
}

func defaultDataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "remi")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remi"
	}
	return filepath.Join(home, ".local", "share", "remi")
}

// DefaultPath returns $REMI_CONFIG or <user config dir>/remi/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".remi", FileName)
	}
	return filepath.Join(dir, "remi", FileName)
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if d := os.Getenv(EnvDataDir); d != "" {
		cfg.DataDir = d
	}
	if w := os.Getenv(EnvWorkers); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		cfg.Workers = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no command can work with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative")
	}
	s := c.Search
	if s.LexicalWeight < 0 || s.RecencyWeight < 0 || s.SemanticWeight < 0 {
		return fmt.Errorf("config: search weights must not be negative")
	}
	if c.Semantic.Dimension <= 0 {
		return fmt.Errorf("config: semantic.dimension must be positive")
	}
	if c.Archive.KeepLatest < 0 {
		return fmt.Errorf("config: archive.keep_latest must not be negative")
	}
	if _, err := ParseAge(c.Archive.OlderThan); err != nil {
		return fmt.Errorf("config: archive.older_than: %w", err)
	}
	for name := range c.Sources {
		if _, err := model.ParseAgent(name); err != nil {
			return fmt.Errorf("config: sources: %w", err)
		}
	}
	return nil
}

// ArchivePath returns the directory archive runs are written to.
func (c *Config) ArchivePath() string {
	if c.ArchiveDir != "" {
		return c.ArchiveDir
	}
	return filepath.Join(c.DataDir, "archive")
}

// Weights returns the search weights. The semantic weight is zero when
// semantic search is disabled.
func (c *Config) Weights() search.Weights {
	w := search.Weights{
		Lexical:  c.Search.LexicalWeight,
		Recency:  c.Search.RecencyWeight,
		Semantic: c.Search.SemanticWeight,
	}
	if !c.Semantic.Enabled {
		w.Semantic = 0
	}
	return w
}

// SourcePaths returns the configured discovery roots for agent, or nil for
// the adapter defaults.
func (c *Config) SourcePaths(agent model.Agent) []string {
	return c.Sources[string(agent)].Paths
}

// ParseAge parses a duration that may also be given in days ("30d").
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}

// Save writes cfg to path through a temp file renamed into place.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

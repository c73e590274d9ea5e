// Package config loads and validates Notedex configuration.
//
// Configuration is layered: built-in defaults, then the vault's
// .notedex.yaml, then NOTEDEX_* environment variables (highest priority).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "100ms".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML emits the human-readable form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses "90s" style strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ConfigFileName is the per-vault configuration file.
const ConfigFileName = ".notedex.yaml"

// DataDirName is the private data directory inside the vault.
const DataDirName = ".notedex"

// Config represents the complete Notedex configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Vault      VaultConfig      `yaml:"vault"`
	Search     SearchConfig     `yaml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// VaultConfig selects which documents are indexed.
type VaultConfig struct {
	// Extensions lists indexable file extensions (with dot).
	Extensions []string `yaml:"extensions"`

	// Exclude lists path prefixes (relative, slash-separated) that are
	// never indexed. A document moving under one of these is removed.
	Exclude []string `yaml:"exclude"`
}

// SearchConfig configures hybrid search.
type SearchConfig struct {
	// LexicalWeight is the weight of the keyword signal in hybrid mode.
	// Must sum to 1.0 with SemanticWeight.
	LexicalWeight float64 `yaml:"lexical_weight"`

	// SemanticWeight is the weight of the vector signal in hybrid mode.
	// The default favors this signal: conceptual search is the primary
	// use case, but both signals always contribute.
	SemanticWeight float64 `yaml:"semantic_weight"`

	// MaxResults caps the result list when the caller passes no limit.
	MaxResults int `yaml:"max_results"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the preferred backend: "ollama" or "static".
	Provider string `yaml:"provider"`

	// Model is the embedding model name for the accelerated backend.
	Model string `yaml:"model"`

	// Host is the Ollama server base URL.
	Host string `yaml:"host"`

	// BatchSize is the number of texts per embedding request.
	BatchSize int `yaml:"batch_size"`

	// Timeout bounds a single embedding round trip. Generous by default
	// to tolerate one-time model loading.
	Timeout Duration `yaml:"timeout"`

	// Throttle enables a minimum delay between consecutive embed calls.
	Throttle bool `yaml:"throttle"`

	// ThrottleInterval is the minimum delay when throttling is enabled.
	ThrottleInterval Duration `yaml:"throttle_interval"`
}

// ReconcileConfig configures live index reconciliation.
type ReconcileConfig struct {
	// DebounceWindow is how long a path must stay quiet after a
	// create/modify event before it is reindexed.
	DebounceWindow Duration `yaml:"debounce_window"`
}

// SnapshotConfig configures index persistence.
type SnapshotConfig struct {
	// SaveEvery flushes the snapshot after this many indexed documents
	// during bulk indexing. The snapshot is always saved on completion.
	SaveEvery int `yaml:"save_every"`
}

// LoggingConfig configures the log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Vault: VaultConfig{
			Extensions: []string{".md", ".markdown", ".txt"},
			Exclude:    []string{DataDirName + "/", ".git/", ".obsidian/", "templates/"},
		},
		Search: SearchConfig{
			LexicalWeight:  0.3,
			SemanticWeight: 0.7,
			MaxResults:     20,
		},
		Embeddings: EmbeddingsConfig{
			Provider:         "ollama",
			Model:            "nomic-embed-text",
			Host:             "http://localhost:11434",
			BatchSize:        32,
			Timeout:          Duration(120 * time.Second),
			Throttle:         true,
			ThrottleInterval: Duration(100 * time.Millisecond),
		},
		Reconcile: ReconcileConfig{
			DebounceWindow: Duration(3 * time.Second),
		},
		Snapshot: SnapshotConfig{
			SaveEvery: 50,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration for the vault rooted at vaultPath.
// A missing config file is not an error; defaults apply.
func Load(vaultPath string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(vaultPath, ConfigFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies NOTEDEX_* environment variables.
// Env vars take precedence over the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NOTEDEX_EMBEDDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("NOTEDEX_OLLAMA_HOST"); v != "" {
		c.Embeddings.Host = v
	}
	if v := os.Getenv("NOTEDEX_OLLAMA_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("NOTEDEX_EMBED_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Embeddings.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("NOTEDEX_LEXICAL_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.LexicalWeight = f
		}
	}
	if v := os.Getenv("NOTEDEX_SEMANTIC_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.SemanticWeight = f
		}
	}
	if v := os.Getenv("NOTEDEX_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Reconcile.DebounceWindow = Duration(d)
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Search.LexicalWeight < 0 || c.Search.SemanticWeight < 0 {
		return fmt.Errorf("search weights must be non-negative (lexical=%.2f semantic=%.2f)",
			c.Search.LexicalWeight, c.Search.SemanticWeight)
	}
	sum := c.Search.LexicalWeight + c.Search.SemanticWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("search weights must sum to 1.0, got %.3f", sum)
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Embeddings.Timeout <= 0 {
		return fmt.Errorf("embeddings.timeout must be positive, got %s", c.Embeddings.Timeout)
	}
	if c.Reconcile.DebounceWindow <= 0 {
		return fmt.Errorf("reconcile.debounce_window must be positive, got %s", c.Reconcile.DebounceWindow)
	}
	if len(c.Vault.Extensions) == 0 {
		return fmt.Errorf("vault.extensions must not be empty")
	}
	return nil
}

// DataDir returns the private data directory for the vault.
func DataDir(vaultPath string) string {
	return filepath.Join(vaultPath, DataDirName)
}

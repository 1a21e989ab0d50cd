// Package config handles repository configuration and process settings.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shipitai/mechanic/github"
)

// DefaultConfigPath is the path of the per-repository config file.
const DefaultConfigPath = ".github/mechanic.yml"

// ConfigParseError indicates a configuration file exists but contains invalid content.
// This is distinct from "file not found" errors, which should use default config.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("invalid config at %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// Config represents the repository configuration for the reviewer.
type Config struct {
	// Enabled determines if commits of this repository are reviewed.
	Enabled bool `yaml:"enabled"`
	// Exclude is a list of glob patterns for files to skip during review.
	// Example: ["vendor/**", "*.gen.go", "docs/**"]
	Exclude []string `yaml:"exclude"`
	// Instructions is appended to the review prompt.
	// Example: "Prefer early returns. We target Python 3.12."
	Instructions string `yaml:"instructions"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
	}
}

// FileFetcher reads a file of a repository at a ref.
type FileFetcher interface {
	FetchFileContent(ctx context.Context, token, owner, repo, path, ref string) (string, error)
}

// Loader loads configuration from repositories.
type Loader struct {
	files  FileFetcher
	logger *slog.Logger
}

// NewLoader creates a new config loader.
func NewLoader(files FileFetcher, logger *slog.Logger) *Loader {
	return &Loader{files: files, logger: logger}
}

// Load fetches and parses the config at ref. A missing, unreadable or invalid
// file yields the default config; the problem is logged, never returned.
func (l *Loader) Load(ctx context.Context, token, owner, repo, ref string) *Config {
	content, err := l.files.FetchFileContent(ctx, token, owner, repo, DefaultConfigPath, ref)
	if err != nil {
		if !errors.Is(err, github.ErrFileNotFound) {
			l.logger.Warn("failed to fetch repository config, using defaults",
				"repo", owner+"/"+repo, "error", err)
		}
		return DefaultConfig()
	}

	cfg, err := Parse([]byte(content))
	if err != nil {
		l.logger.Warn("invalid repository config, using defaults",
			"repo", owner+"/"+repo, "error", &ConfigParseError{Path: DefaultConfigPath, Err: err})
		return DefaultConfig()
	}
	return cfg
}

// Parse parses a config from YAML content. Empty content yields the defaults.
func Parse(content []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, pattern := range c.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// ShouldExcludeFile returns true if the file path matches any exclude pattern.
func (c *Config) ShouldExcludeFile(path string) bool {
	for _, pattern := range c.Exclude {
		if strings.Contains(pattern, "**") {
			prefix, suffix, _ := strings.Cut(pattern, "**")
			if prefix != "" && strings.HasPrefix(path, prefix) {
				if suffix == "" || strings.HasSuffix(path, strings.TrimPrefix(suffix, "/")) {
					return true
				}
			}
			// "**/*.pb.go" style: match the rest against the file name
			if prefix == "" && suffix != "" {
				if matched, _ := filepath.Match(strings.TrimPrefix(suffix, "/"), filepath.Base(path)); matched {
					return true
				}
			}
		}

		// Standard glob matching
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}

		// Also try matching just the filename for patterns like "*.gen.go"
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
	}
	return false
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// HistoryBackend selects how backup history is read
type HistoryBackend string

const (
	HistoryShell HistoryBackend = "shell"
	HistoryGoGit HistoryBackend = "go-git"
)

// PromptMode selects how the operator is asked
type PromptMode string

const (
	PromptTUI  PromptMode = "tui"
	PromptLine PromptMode = "line"
)

// DefaultMarker is the token that identifies tracked directories
const DefaultMarker = "PYRA"

// Config represents the complete cardsync configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Sync    SyncConfig    `yaml:"sync"`
	History HistoryConfig `yaml:"history"`
	Prompt  PromptConfig  `yaml:"prompt"`
	Auth    AuthConfig    `yaml:"auth"`
}

// PathsConfig configures the two replicas
type PathsConfig struct {
	BackupDir string `yaml:"backup_dir"`
	CardDir   string `yaml:"card_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Marker string `yaml:"marker"`
	Push   *bool  `yaml:"push"`
}

// HistoryConfig configures the backup history lookup
type HistoryConfig struct {
	Backend HistoryBackend `yaml:"backend"`
}

// PromptConfig configures interactive prompts
type PromptConfig struct {
	Mode       PromptMode `yaml:"mode"`
	Accessible bool       `yaml:"accessible"`
}

// AuthConfig configures git push authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// Overrides carries command-line values that take precedence over the file
type Overrides struct {
	BackupDir  string
	CardDir    string
	PromptMode string
}

// Load reads the configuration file at path. When optional is set, a missing
// file yields the defaults instead of an error. Overrides are applied before
// validation.
func Load(path string, optional bool, o Overrides) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()
	cfg.applyOverrides(o)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	c.Paths.BackupDir = os.ExpandEnv(c.Paths.BackupDir)
	c.Paths.CardDir = os.ExpandEnv(c.Paths.CardDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.BackupDir == "" {
		c.Paths.BackupDir = DefaultBackupDir()
	}
	if c.Sync.Marker == "" {
		c.Sync.Marker = DefaultMarker
	}
	if c.Sync.Push == nil {
		push := true
		c.Sync.Push = &push
	}
	if c.History.Backend == "" {
		c.History.Backend = HistoryShell
	}
	if c.Prompt.Mode == "" {
		c.Prompt.Mode = PromptTUI
	}
}

func (c *Config) applyOverrides(o Overrides) {
	if o.BackupDir != "" {
		c.Paths.BackupDir = o.BackupDir
	}
	if o.CardDir != "" {
		c.Paths.CardDir = o.CardDir
	}
	if o.PromptMode != "" {
		c.Prompt.Mode = PromptMode(o.PromptMode)
	}

	// Relative paths from the command line are relative to the caller
	if c.Paths.BackupDir != "" {
		if abs, err := filepath.Abs(c.Paths.BackupDir); err == nil {
			c.Paths.BackupDir = abs
		}
	}
	if c.Paths.CardDir != "" {
		if abs, err := filepath.Abs(c.Paths.CardDir); err == nil {
			c.Paths.CardDir = abs
		}
	}
}

// ErrCardRequired is returned when no card path is configured
var ErrCardRequired = errors.New("a path to the card is required (--card)")

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.CardDir == "" {
		return ErrCardRequired
	}
	if c.Paths.BackupDir == "" {
		return fmt.Errorf("paths.backup_dir is required")
	}

	if !filepath.IsAbs(c.Paths.BackupDir) {
		return fmt.Errorf("paths.backup_dir must be an absolute path: %s", c.Paths.BackupDir)
	}
	if !filepath.IsAbs(c.Paths.CardDir) {
		return fmt.Errorf("paths.card_dir must be an absolute path: %s", c.Paths.CardDir)
	}
	if filepath.Clean(c.Paths.BackupDir) == filepath.Clean(c.Paths.CardDir) {
		return fmt.Errorf("paths.backup_dir and paths.card_dir must differ")
	}

	if strings.TrimSpace(c.Sync.Marker) == "" {
		return fmt.Errorf("sync.marker must not be empty")
	}

	switch c.History.Backend {
	case HistoryShell, HistoryGoGit:
		// valid
	default:
		return fmt.Errorf("invalid history.backend: %s (must be shell or go-git)", c.History.Backend)
	}

	switch c.Prompt.Mode {
	case PromptTUI, PromptLine:
		// valid
	default:
		return fmt.Errorf("invalid prompt.mode: %s (must be tui or line)", c.Prompt.Mode)
	}

	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// PushEnabled reports whether snapshots are pushed after committing
func (c *Config) PushEnabled() bool {
	return c.Sync.Push == nil || *c.Sync.Push
}

// DefaultBackupDir returns the per-user default backup folder,
// <home>/Desktop/pyra_back
func DefaultBackupDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Desktop", "pyra_back")
}

// DefaultConfigPath returns $HOME/.config/cardsync/config.yaml
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cardsync", "config.yaml"), nil
}

// Package config loads and validates kvit-workspace configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Command   CommandConfig   `yaml:"command"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkspaceConfig configures the sandbox and file service.
type WorkspaceConfig struct {
	Root             string   `yaml:"root"`               // initial workspace root (optional, can be opened later)
	BackupDirName    string   `yaml:"backup_dir_name"`    // name of the backup subtree inside the workspace
	IgnoredDirs      []string `yaml:"ignored_dirs"`       // directory names excluded from tree listings
	DefaultTreeDepth int      `yaml:"default_tree_depth"` // depth used when a listing does not specify one
	MaxTreeDepth     int      `yaml:"max_tree_depth"`     // hard cap on listing recursion
	GitignoreFile    string   `yaml:"gitignore_file"`     // gitignore file applied to listings ("" = .gitignore)
	MaxContextFiles  int      `yaml:"max_context_files"`  // cap for best-effort context reads
}

// CommandConfig configures the command proposal policy.
type CommandConfig struct {
	Shell              string   `yaml:"shell"`               // shell binary used to run commands (default: sh)
	AllowedCommands    []string `yaml:"allowed_commands"`    // allowlist of command prefixes (empty = allow all)
	DisallowedCommands []string `yaml:"disallowed_commands"` // blocklist of command prefixes (checked after allowlist)
}

// StoreConfig configures the JSONL persistence layer.
type StoreConfig struct {
	BaseDir string `yaml:"base_dir"` // base directory for persisted records (default: ~/.kvit-workspace)
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Path        string `yaml:"path"`        // log file path (empty = logging disabled)
	Development bool   `yaml:"development"` // readable output instead of JSON
	MaxSizeMB   int    `yaml:"max_size_mb"` // rotate after this size (default: 10)
	MaxBackups  int    `yaml:"max_backups"` // rotated files to keep (default: 3)
}

// Default returns a config with all defaults applied and no file loaded.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file and applies defaults for missing values.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace.BackupDirName == "" {
		c.Workspace.BackupDirName = ".kvit-backups"
	}
	if len(c.Workspace.IgnoredDirs) == 0 {
		c.Workspace.IgnoredDirs = []string{
			".git",
			".hg",
			".svn",
			"node_modules",
			"__pycache__",
			".venv",
			"venv",
			"vendor",
			"dist",
			"build",
			"target",
			".idea",
			".vscode",
		}
	}
	// The backup subtree must never show up in listings.
	c.Workspace.IgnoredDirs = appendUnique(c.Workspace.IgnoredDirs, c.Workspace.BackupDirName)

	if c.Workspace.DefaultTreeDepth == 0 {
		c.Workspace.DefaultTreeDepth = 3
	}
	if c.Workspace.MaxTreeDepth == 0 {
		c.Workspace.MaxTreeDepth = 10
	}
	if c.Workspace.GitignoreFile == "" {
		c.Workspace.GitignoreFile = ".gitignore"
	}
	if c.Workspace.MaxContextFiles == 0 {
		c.Workspace.MaxContextFiles = 20
	}

	if c.Command.Shell == "" {
		c.Command.Shell = "sh"
	}

	if c.Store.BaseDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Store.BaseDir = filepath.Join(home, ".kvit-workspace")
		} else {
			c.Store.BaseDir = ".kvit-workspace"
		}
	}

	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

func (c *Config) validate() error {
	if c.Workspace.DefaultTreeDepth < 1 {
		return fmt.Errorf("workspace.default_tree_depth must be >= 1, got %d", c.Workspace.DefaultTreeDepth)
	}
	if c.Workspace.MaxTreeDepth < c.Workspace.DefaultTreeDepth {
		return fmt.Errorf("workspace.max_tree_depth (%d) must be >= default_tree_depth (%d)",
			c.Workspace.MaxTreeDepth, c.Workspace.DefaultTreeDepth)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 {
		return fmt.Errorf("logging rotation values must not be negative")
	}
	return nil
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Workspace.BackupDirName != ".kvit-backups" {
		t.Errorf("expected default backup dir, got %q", cfg.Workspace.BackupDirName)
	}
	if cfg.Workspace.DefaultTreeDepth != 3 {
		t.Errorf("expected default tree depth 3, got %d", cfg.Workspace.DefaultTreeDepth)
	}
	if cfg.Command.Shell != "sh" {
		t.Errorf("expected default shell sh, got %q", cfg.Command.Shell)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
workspace:
  backup_dir_name: .backups
  default_tree_depth: 2
command:
  shell: bash
  disallowed_commands:
    - "rm -rf"
logging:
  path: workspace.log
  max_size_mb: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Workspace.BackupDirName != ".backups" {
		t.Errorf("backup dir = %q, want .backups", cfg.Workspace.BackupDirName)
	}
	if cfg.Workspace.DefaultTreeDepth != 2 {
		t.Errorf("tree depth = %d, want 2", cfg.Workspace.DefaultTreeDepth)
	}
	if cfg.Command.Shell != "bash" {
		t.Errorf("shell = %q, want bash", cfg.Command.Shell)
	}
	if len(cfg.Command.DisallowedCommands) != 1 || cfg.Command.DisallowedCommands[0] != "rm -rf" {
		t.Errorf("disallowed commands = %v", cfg.Command.DisallowedCommands)
	}
	if cfg.Logging.MaxSizeMB != 5 {
		t.Errorf("max size = %d, want 5", cfg.Logging.MaxSizeMB)
	}
	// Defaults still fill unset fields.
	if cfg.Logging.MaxBackups != 3 {
		t.Errorf("max backups = %d, want default 3", cfg.Logging.MaxBackups)
	}
}

func TestBackupDirAlwaysIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
workspace:
  backup_dir_name: .snapshots
  ignored_dirs:
    - .git
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, d := range cfg.Workspace.IgnoredDirs {
		if d == ".snapshots" {
			found = true
		}
	}
	if !found {
		t.Errorf("backup dir %q missing from ignored dirs %v", cfg.Workspace.BackupDirName, cfg.Workspace.IgnoredDirs)
	}
}

func TestValidateRejectsBadDepths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
workspace:
  default_tree_depth: 8
  max_tree_depth: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected validation error for max_tree_depth < default_tree_depth")
	}
}

package workspace

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/kvit-s/kvit-workspace/internal/config"
	"github.com/kvit-s/kvit-workspace/internal/logging"
)

// Meta describes the currently open workspace.
type Meta struct {
	Root     string    `json:"root"`
	OpenedAt time.Time `json:"opened_at"`
}

// FileContent is the result of a sandboxed read: the text plus its
// fingerprint, which callers hand back as a write precondition.
type FileContent struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Fingerprint string `json:"fingerprint"`
}

// Service performs all tree and file operations through the sandbox.
// Opening a workspace replaces any previously open root; there is never
// more than one root at a time.
type Service struct {
	mu        sync.RWMutex
	cfg       *config.Config
	log       *logging.Logger
	sandbox   *Sandbox
	openedAt  time.Time
	gitignore *gitignore.GitIgnore

	// Serializes writes so backup-then-replace is never interleaved for
	// the same target.
	writeMu sync.Mutex
}

// NewService creates a Service with no workspace open.
func NewService(cfg *config.Config, log *logging.Logger) *Service {
	return &Service{cfg: cfg, log: log}
}

// Open canonicalizes path, requires it to be an existing directory, and
// records it as the new root, replacing any previous one.
func (s *Service) Open(path string) (Meta, error) {
	sandbox, err := NewSandbox(path)
	if err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sandbox = sandbox
	s.openedAt = time.Now()
	s.gitignore = s.loadGitignore(sandbox.Root())

	s.log.WorkspaceOpened(sandbox.Root())
	return Meta{Root: sandbox.Root(), OpenedAt: s.openedAt}, nil
}

// Close drops the open root. Subsequent operations fail until a new Open.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandbox = nil
	s.gitignore = nil
}

// Sandbox returns the sandbox of the currently open workspace.
func (s *Service) Sandbox() (*Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sandbox == nil {
		return nil, NewError(KindWorkspaceNotOpen, "no workspace is open")
	}
	return s.sandbox, nil
}

// Root returns the canonical root of the open workspace.
func (s *Service) Root() (string, error) {
	sandbox, err := s.Sandbox()
	if err != nil {
		return "", err
	}
	return sandbox.Root(), nil
}

// ListTree lists the directory at rel up to depth remaining levels.
// rel defaults to "." and depth to the configured default.
func (s *Service) ListTree(rel string, depth int) ([]FileNode, error) {
	sandbox, err := s.Sandbox()
	if err != nil {
		return nil, err
	}

	if rel == "" {
		rel = "."
	}
	if depth <= 0 {
		depth = s.cfg.Workspace.DefaultTreeDepth
	}
	if depth > s.cfg.Workspace.MaxTreeDepth {
		depth = s.cfg.Workspace.MaxTreeDepth
	}

	abs, err := sandbox.Resolve(rel, true)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, WrapError(KindFileNotFound, "path does not exist: "+rel, err)
	}
	if !info.IsDir() {
		return nil, Errorf(KindInvalidInput, "path %q is not a directory", rel)
	}

	return s.listDir(abs, depth)
}

// ReadFile reads a file as text and returns it with its fingerprint.
func (s *Service) ReadFile(rel string) (FileContent, error) {
	sandbox, err := s.Sandbox()
	if err != nil {
		return FileContent{}, err
	}

	abs, err := sandbox.Resolve(rel, true)
	if err != nil {
		return FileContent{}, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return FileContent{}, WrapError(KindFileNotFound, "failed to read file: "+rel, err)
	}

	return FileContent{
		Path:        sandbox.Rel(abs),
		Content:     string(data),
		Fingerprint: Fingerprint(data),
	}, nil
}

// WriteFile writes content to rel. If the target exists and
// expectedFingerprint is non-empty, the current on-disk fingerprint must
// match exactly or the write is rejected and the file left untouched.
// Existing content is copied into the timestamped backup subtree before
// the new content is committed via temp-file-then-rename, so the target
// is never observed partially written.
func (s *Service) WriteFile(rel, content, expectedFingerprint string) error {
	sandbox, err := s.Sandbox()
	if err != nil {
		return err
	}

	abs, err := sandbox.Resolve(rel, false)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	backedUp := false
	existing, statErr := os.Stat(abs)
	if statErr == nil {
		if existing.IsDir() {
			return Errorf(KindInvalidInput, "path %q is a directory", rel)
		}

		current, err := os.ReadFile(abs)
		if err != nil {
			return WrapError(KindFileNotFound, "failed to read existing file: "+rel, err)
		}

		if expectedFingerprint != "" {
			actual := Fingerprint(current)
			if actual != expectedFingerprint {
				return Errorf(KindHashMismatch, "file %q changed on disk since it was read", rel).
					WithDetails(map[string]any{
						"path":     rel,
						"expected": expectedFingerprint,
						"actual":   actual,
					})
			}
		}

		if err := s.backupFile(sandbox, abs, current, existing.Mode()); err != nil {
			return err
		}
		backedUp = true
	} else if !os.IsNotExist(statErr) {
		return WrapError(KindInternal, "failed to stat target: "+rel, statErr)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return WrapError(KindInternal, "failed to create parent directory", err)
	}

	if err := writeFileAtomic(abs, content, existing); err != nil {
		return err
	}

	s.log.FileWritten(sandbox.Rel(abs), len(content), backedUp)
	return nil
}

// ReadFilesForContext reads up to max files best-effort. Files that fail
// to read are skipped; partial context beats hard failure here.
func (s *Service) ReadFilesForContext(rels []string, max int) []FileContent {
	if max <= 0 {
		max = s.cfg.Workspace.MaxContextFiles
	}

	var results []FileContent
	for _, rel := range rels {
		if len(results) >= max {
			break
		}
		fc, err := s.ReadFile(rel)
		if err != nil {
			continue
		}
		results = append(results, fc)
	}
	return results
}

// backupFile copies the prior content into
// <root>/<backupDir>/<timestamp>/<relpath> before an overwrite. One
// generation per write; older backups are separate timestamped trees.
func (s *Service) backupFile(sandbox *Sandbox, abs string, content []byte, mode os.FileMode) error {
	rel, err := filepath.Rel(sandbox.Root(), abs)
	if err != nil {
		return WrapError(KindInternal, "failed to compute backup path", err)
	}

	stamp := time.Now().Format("20060102-150405.000000000")
	backupPath := filepath.Join(sandbox.Root(), s.cfg.Workspace.BackupDirName, stamp, rel)

	if err := os.MkdirAll(filepath.Dir(backupPath), 0755); err != nil {
		return WrapError(KindInternal, "failed to create backup directory", err)
	}
	if err := os.WriteFile(backupPath, content, mode.Perm()); err != nil {
		return WrapError(KindInternal, "failed to write backup", err)
	}
	return nil
}

// writeFileAtomic writes content to a temp sibling and renames it into
// place. existing carries the prior file info for permission preservation,
// or nil for new files.
func writeFileAtomic(abs, content string, existing os.FileInfo) error {
	tempFile, err := os.CreateTemp(filepath.Dir(abs), ".write-*.tmp")
	if err != nil {
		return WrapError(KindInternal, "failed to create temp file", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath) // no-op after successful rename

	if _, err := tempFile.WriteString(content); err != nil {
		tempFile.Close()
		return WrapError(KindInternal, "failed to write temp file", err)
	}
	if err := tempFile.Close(); err != nil {
		return WrapError(KindInternal, "failed to close temp file", err)
	}

	if existing != nil {
		_ = os.Chmod(tempPath, existing.Mode())
	} else {
		_ = os.Chmod(tempPath, 0644)
	}

	if err := os.Rename(tempPath, abs); err != nil {
		return WrapError(KindInternal, "atomic rename failed", err)
	}
	return nil
}

func (s *Service) loadGitignore(root string) *gitignore.GitIgnore {
	path := filepath.Join(root, s.cfg.Workspace.GitignoreFile)
	ign, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return ign
}

// Package workspace confines file and command operations to a single root
// directory and provides the sandboxed tree/file service on top of it.
package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// Sandbox validates that every path used for read, write, list or command
// execution stays within one canonical root directory. It defeats both
// ".." traversal and symlink escape.
type Sandbox struct {
	root string // absolute, symlink-resolved
}

// NewSandbox canonicalizes root and requires it to be an existing directory.
func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		return nil, NewError(KindInvalidInput, "workspace root must not be empty")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, WrapError(KindInvalidInput, "failed to resolve workspace root", err)
	}

	// Resolve the root itself so containment checks compare real paths.
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, WrapError(KindInvalidInput, "workspace root does not exist", err)
	}

	info, err := os.Stat(realRoot)
	if err != nil {
		return nil, WrapError(KindInvalidInput, "workspace root does not exist", err)
	}
	if !info.IsDir() {
		return nil, Errorf(KindInvalidInput, "workspace root %q is not a directory", root)
	}

	return &Sandbox{root: realRoot}, nil
}

// Root returns the canonical absolute root path.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve validates a caller-supplied path (relative or absolute) and
// returns the validated absolute path inside the root.
//
// With mustExist=true the path is resolved through the filesystem
// (following symlinks) and the resolved target must be inside the root; a
// symlink inside the workspace pointing outside is rejected even though
// the link itself lives inside.
//
// With mustExist=false (write targets) the joined path must be inside the
// root lexically, and the nearest existing ancestor directory's real path
// must also be inside the root, so an escaping symlinked parent cannot
// smuggle the write out.
func (s *Sandbox) Resolve(input string, mustExist bool) (string, error) {
	path := input
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", WrapError(KindInvalidInput, "failed to expand home directory", err)
		}
		path = filepath.Join(home, path[2:])
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(s.root, path)
	}

	if !s.contains(abs) {
		return "", s.escapeError(input)
	}

	if mustExist {
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", WrapError(KindFileNotFound, "path does not exist: "+input, err)
		}
		if !s.contains(real) {
			return "", s.escapeError(input)
		}
		return real, nil
	}

	// Target may not exist yet; check the nearest existing ancestor.
	ancestor := filepath.Dir(abs)
	for {
		real, err := filepath.EvalSymlinks(ancestor)
		if err == nil {
			if !s.contains(real) {
				return "", s.escapeError(input)
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", WrapError(KindInternal, "failed to resolve parent directory", err)
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			// Walked off the top without finding anything; the lexical
			// check above already passed, so this should not happen.
			return "", s.escapeError(input)
		}
		ancestor = parent
	}

	return abs, nil
}

// ResolvesInside reports whether an existing path's symlink-resolved
// target stays inside the root. Used by directory walks to silently drop
// escaping entries from listings.
func (s *Sandbox) ResolvesInside(abs string) bool {
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return false
	}
	return s.contains(real)
}

// Rel converts a validated absolute path to the root-relative "."-rooted
// form used in listings and patches.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	if rel == "." {
		return "."
	}
	return "./" + filepath.ToSlash(rel)
}

// contains applies the containment rule: candidate equals the root, or has
// the root plus a path separator as prefix. A plain prefix check would be
// fooled by sibling directories sharing a name prefix (/tmp/ws vs
// /tmp/ws-other).
func (s *Sandbox) contains(candidate string) bool {
	if candidate == s.root {
		return true
	}
	return strings.HasPrefix(candidate, s.root+string(filepath.Separator))
}

func (s *Sandbox) escapeError(input string) *Error {
	return Errorf(KindPathOutsideWorkspace, "path %q is outside the workspace", input).
		WithDetails(map[string]any{"path": input, "root": s.root})
}

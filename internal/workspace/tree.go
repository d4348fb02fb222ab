package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// NodeType distinguishes files from directories in a listing.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileNode is one entry in a directory listing. Paths are root-relative
// and "."-rooted. Entries whose symlink-resolved target escapes the
// workspace never appear, nor do configured ignored directory names.
type FileNode struct {
	Path     string     `json:"path"`
	Name     string     `json:"name"`
	Type     NodeType   `json:"type"`
	Size     int64      `json:"size,omitempty"`
	ModTime  time.Time  `json:"mod_time,omitempty"`
	Children []FileNode `json:"children,omitempty"`
}

// listDir builds the listing for one directory. depth counts remaining
// levels: at depth 1 subdirectories are listed but not expanded.
func (s *Service) listDir(absDir string, depth int) ([]FileNode, error) {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, WrapError(KindFileNotFound, "failed to list directory", err)
	}

	var nodes []FileNode
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(absDir, name)

		if entry.IsDir() && s.isIgnoredDir(name) {
			continue
		}
		if s.matchesGitignore(full, entry.IsDir()) {
			continue
		}
		// Symlinks resolving outside the workspace are invisible, not errors.
		if !s.sandbox.ResolvesInside(full) {
			continue
		}

		node := FileNode{
			Path: s.sandbox.Rel(full),
			Name: name,
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		// Classify by the resolved target so a symlink to a directory
		// behaves like a directory.
		resolved, err := os.Stat(full)
		if err != nil {
			continue
		}

		if resolved.IsDir() {
			node.Type = NodeDirectory
			if depth > 1 {
				children, err := s.listDir(full, depth-1)
				if err == nil {
					node.Children = children
				}
			}
		} else {
			node.Type = NodeFile
			node.Size = resolved.Size()
			node.ModTime = info.ModTime()
		}

		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == NodeDirectory
		}
		return nodes[i].Name < nodes[j].Name
	})

	return nodes, nil
}

func (s *Service) isIgnoredDir(name string) bool {
	for _, ignored := range s.cfg.Workspace.IgnoredDirs {
		if name == ignored {
			return true
		}
	}
	return false
}

func (s *Service) matchesGitignore(abs string, isDir bool) bool {
	if s.gitignore == nil {
		return false
	}
	rel, err := filepath.Rel(s.sandbox.Root(), abs)
	if err != nil {
		return false
	}
	if isDir {
		rel += string(filepath.Separator)
	}
	return s.gitignore.MatchesPath(rel)
}

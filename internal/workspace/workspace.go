// Package workspace exposes file access scoped to a single root directory.
// Every path coming from the agent is resolved against the root and rejected
// if resolution would escape it. That rejection is a security boundary, not
// a convenience check.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/agentdeck/host/internal/errors"
)

// Workspace provides read and write access under one root directory.
type Workspace struct {
	root string
}

// New creates a workspace anchored at root. The root is resolved to an
// absolute path once so later comparisons are stable.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFSPathOutsideWorkspace, "failed to resolve workspace root", err)
	}
	return &Workspace{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// ResolvePath maps an agent-supplied path to an absolute path under the
// workspace root. Relative paths are resolved against the root. Any path
// whose cleaned resolution lands outside the root is rejected.
func (w *Workspace) ResolvePath(path string) (string, error) {
	if path == "" {
		return "", apperrors.PathOutsideWorkspace(path)
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(w.root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", apperrors.PathOutsideWorkspace(path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.PathOutsideWorkspace(path)
	}
	return resolved, nil
}

// ReadTextFile reads a file under the workspace root. When line is positive
// the view starts at that 1-based line; when limit is positive at most that
// many lines are returned. With both zero the whole file is returned as-is.
func (w *Workspace) ReadTextFile(path string, line, limit int) (string, error) {
	resolved, err := w.ResolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeFSReadFailed, "failed to read "+path, err)
	}
	if line <= 0 && limit <= 0 {
		return string(data), nil
	}
	return sliceLines(string(data), line, limit), nil
}

// WriteTextFile writes content to a file under the workspace root, creating
// parent directories as needed.
func (w *Workspace) WriteTextFile(path, content string) error {
	resolved, err := w.ResolvePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CodeFSWriteFailed, "failed to create parent directory for "+path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return apperrors.Wrap(apperrors.CodeFSWriteFailed, "failed to write "+path, err)
	}
	return nil
}

// sliceLines returns a line-range view of content. Lines are 1-based; a
// start past the end of the file yields an empty string. The slice keeps
// each line's original terminator except for a missing final newline.
func sliceLines(content string, line, limit int) string {
	lines := strings.SplitAfter(content, "\n")
	// SplitAfter leaves a trailing empty element when content ends in \n.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return ""
	}

	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "")
}

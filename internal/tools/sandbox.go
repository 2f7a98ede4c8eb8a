package tools

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/notemill/notemill/internal/fault"
	"github.com/notemill/notemill/internal/kb"
)

// Sandbox confines every path argument to the knowledge base root, or
// to its topics tree when the topics-only policy is on. Canonical
// (symlink-resolved) paths are compared, so a link pointing out of the
// KB is rejected even when the lexical path looks fine.
type Sandbox struct {
	root       string
	topicsOnly bool
}

// NewSandbox builds a sandbox over one KB root.
func NewSandbox(root string, topicsOnly bool) *Sandbox {
	return &Sandbox{root: root, topicsOnly: topicsOnly}
}

// Boundary is the directory no resolved path may leave.
func (s *Sandbox) Boundary() string {
	if s.topicsOnly {
		return filepath.Join(s.root, kb.TopicsDir)
	}
	return s.root
}

// Resolve validates one path argument and returns the canonical
// absolute path to operate on. Relative paths are joined onto the
// boundary; a leading "topics/" is honored against the KB root since
// models frequently include it.
func (s *Sandbox) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fault.New(fault.Validation, "path is required")
	}

	var cand string
	switch {
	case filepath.IsAbs(path):
		cand = filepath.Clean(path)
	case s.topicsOnly && (path == kb.TopicsDir || strings.HasPrefix(path, kb.TopicsDir+"/")):
		cand = filepath.Clean(filepath.Join(s.root, path))
	default:
		cand = filepath.Clean(filepath.Join(s.Boundary(), path))
	}

	boundaryReal := canonicalOrLexical(s.Boundary())

	real, err := canonicalize(cand)
	if err != nil {
		slog.Warn("security.path_resolve_failed", "path", path, "error", err)
		return "", fault.New(fault.Validation, "access denied: cannot resolve path")
	}

	if !isPathInside(real, boundaryReal) {
		slog.Warn("security.path_escape", "path", path, "resolved", real, "boundary", boundaryReal)
		return "", fault.New(fault.Validation, "access denied: path outside knowledge base")
	}
	if hasMutableSymlinkParent(real) {
		slog.Warn("security.mutable_symlink_parent", "path", path, "resolved", real)
		return "", fault.New(fault.Validation, "access denied: path contains mutable symlink component")
	}
	if err := checkHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

// Rel reports a resolved path relative to the KB root, for change
// records and user-facing summaries.
func (s *Sandbox) Rel(resolved string) string {
	rootReal := canonicalOrLexical(s.root)
	rel, err := filepath.Rel(rootReal, resolved)
	if err != nil {
		return resolved
	}
	return rel
}

// canonicalOrLexical resolves symlinks when the path exists and falls
// back to the cleaned absolute form when it does not. Absolutization
// is lexical for already-absolute inputs, so a deleted working
// directory cannot break resolution of KB paths.
func canonicalOrLexical(path string) string {
	abs := path
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(abs); err == nil {
			abs = a
		} else {
			abs = filepath.Clean(abs)
		}
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return filepath.Clean(abs)
}

// canonicalize resolves a candidate to its canonical form. For targets
// that do not exist yet, the deepest existing ancestor is resolved and
// the missing tail re-appended. Broken symlinks are resolved through
// their targets so a dangling link cannot smuggle a write outside.
func canonicalize(cand string) (string, error) {
	real, err := filepath.EvalSymlinks(cand)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	if linfo, lerr := os.Lstat(cand); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
		target, rerr := os.Readlink(cand)
		if rerr != nil {
			return "", rerr
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(cand), target)
		}
		return resolveThroughAncestors(filepath.Clean(target)), nil
	}
	return resolveThroughAncestors(cand), nil
}

// resolveThroughAncestors finds the deepest existing ancestor,
// canonicalizes it, then re-appends the missing components.
func resolveThroughAncestors(target string) string {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real
	}
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result
		}
	}
	return filepath.Clean(target)
}

// isPathInside checks whether child is parent itself or below it.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// hasMutableSymlinkParent rejects paths containing a symlink whose
// parent directory is writable: such a link can be swapped between
// resolution and use.
func hasMutableSymlinkParent(path string) bool {
	clean := filepath.Clean(path)
	components := strings.Split(clean, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break
		}
		if info.Mode()&os.ModeSymlink != 0 {
			parentDir := filepath.Dir(current)
			if syscall.Access(parentDir, 0x2 /* W_OK */) == nil {
				return true
			}
		}
	}
	return false
}

// checkHardlink rejects regular files with nlink > 1. Directories
// naturally have more links and are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // missing files fail later at the actual operation
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("security.hardlink_rejected", "path", path, "nlink", stat.Nlink)
		return fault.New(fault.Validation, "access denied: hardlinked file not allowed")
	}
	return nil
}

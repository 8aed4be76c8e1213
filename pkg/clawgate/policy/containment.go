package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrContainmentViolation is returned when a resolved path leaves the
// session workspace.
var ErrContainmentViolation = errors.New("path escapes workspace")

// Contain resolves target against root and returns the absolute, symlink
// free path. Relative targets are joined to root. The leaf (and any missing
// parents) may not exist yet; the deepest existing ancestor is resolved and
// the remainder appended. Escapes are reported, never clamped.
func Contain(root, target string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: no workspace root", ErrContainmentViolation)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %q: %w", root, err)
	}
	realRoot, err := resolveExisting(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %q: %w", root, err)
	}

	p := target
	if p == "" {
		p = "."
	}
	if strings.HasPrefix(p, "~") {
		return "", fmt.Errorf("%w: home-relative path %q", ErrContainmentViolation, target)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(absRoot, p)
	}
	p = filepath.Clean(p)

	resolved, err := resolveExisting(p)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", target, err)
	}
	if !within(realRoot, resolved) {
		return "", fmt.Errorf("%w: %q resolves to %q outside %q", ErrContainmentViolation, target, resolved, realRoot)
	}
	return resolved, nil
}

// maxLinkHops bounds how many dangling links resolveExisting follows.
const maxLinkHops = 40

// resolveExisting evaluates symlinks on the longest existing prefix of p
// and re-attaches the missing tail. A dangling link on the way is followed
// to its target, so the result names the file a write would create.
func resolveExisting(p string) (string, error) {
	return resolveHops(p, 0)
}

func resolveHops(p string, hops int) (string, error) {
	var tail []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return joinTail(real, tail), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			if hops >= maxLinkHops {
				return "", fmt.Errorf("too many levels of symbolic links at %q", cur)
			}
			dest, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(cur), dest)
			}
			return resolveHops(joinTail(dest, tail), hops+1)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Clean(p), nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// joinTail appends the collected components, stored leaf first.
func joinTail(base string, tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		base = filepath.Join(base, tail[i])
	}
	return filepath.Clean(base)
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// checkPattern rejects manifest paths that name something outside root
// before touching the filesystem: absolute paths and ".." segments.
func checkPattern(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrPathEscapesRoot)
	}
	if path.IsAbs(p) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return fmt.Errorf("%w: %s is absolute", ErrPathEscapesRoot, p)
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %s contains ..", ErrPathEscapesRoot, p)
		}
	}
	return nil
}

// resolveRoot returns the absolute, symlink-free form of root.
func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", root)
	}
	return resolved, nil
}

// resolveUnder joins rel onto root and verifies that the file's parent
// directory, with symlinks evaluated, is still inside root. The final
// element itself is not followed: removing a symlink removes the link.
func resolveUnder(root, rel string) (string, error) {
	if err := checkPattern(rel); err != nil {
		return "", err
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if abs == root {
		return "", fmt.Errorf("%w: %s is the root itself", ErrPathEscapesRoot, rel)
	}
	parent, err := evalExisting(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	if !within(root, parent) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscapesRoot, rel, parent)
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// evalExisting evaluates symlinks of the longest existing prefix of p.
func evalExisting(p string) (string, error) {
	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		next := filepath.Dir(cur)
		if next == cur {
			return p, nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = next
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

package convtools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolver confines a tool-supplied relative path to a working directory,
// rejecting anything that escapes it via ".." or an absolute path outside
// the root.
type resolver struct {
	root string
}

func (r resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes working directory")
	}
	return targetAbs, nil
}

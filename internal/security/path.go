package security

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ResolveResourcePath maps a file:// resource uri to a local path and
// rejects any that escape root, including through symlinks that exist
// on disk. Non-file uris are returned unchanged with ok=false.
func ResolveResourcePath(root, uri string) (path string, ok bool, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", false, fmt.Errorf("invalid resource uri: %w", err)
	}
	if u.Scheme != "file" {
		return "", false, nil
	}
	if root == "" {
		return "", true, errors.New("file resources require a declared root")
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", true, fmt.Errorf("file uri with remote host %q", u.Host)
	}

	p, err := confine(root, u.Path)
	if err != nil {
		return "", true, err
	}
	return p, true, nil
}

// confine resolves p (absolute, or relative to root) and checks it
// stays under root.
func confine(root, p string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = real
	}

	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Clean(filepath.Join(rootAbs, p))
	}
	abs, err = evalExisting(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}

	if !within(abs, rootAbs) {
		return "", fmt.Errorf("path escapes resource root: %s", p)
	}
	return abs, nil
}

func within(p, root string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// re-appends the part that does not exist yet.
func evalExisting(p string) (string, error) {
	var rest []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{real}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

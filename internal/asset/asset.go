// Package asset finds source containers on disk by name and type.
package asset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when no search directory holds the asset.
var ErrNotFound = errors.New("asset not found")

// MaxSize bounds the files Locate and Scan consider.
const MaxSize = 5 << 20

// DefaultDirs returns the working directory followed by the user's
// Documents, Downloads and Desktop folders, honoring XDG overrides.
func DefaultDirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dirs
	}
	return append(dirs,
		xdgUserDir("XDG_DOCUMENTS_DIR", filepath.Join(home, "Documents")),
		xdgUserDir("XDG_DOWNLOAD_DIR", filepath.Join(home, "Downloads")),
		xdgUserDir("XDG_DESKTOP_DIR", filepath.Join(home, "Desktop")),
	)
}

// Locate resolves name.ext against dirs in order. A name that already
// carries a directory is checked as is. The extension match ignores case.
func Locate(name, ext string, dirs []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	ext = strings.TrimPrefix(ext, ".")
	file := name
	if ext != "" && !strings.EqualFold(strings.TrimPrefix(filepath.Ext(name), "."), ext) {
		file = name + "." + ext
	}
	if filepath.IsAbs(file) || strings.ContainsRune(file, filepath.Separator) {
		if usable(file) {
			return file, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if p := filepath.Join(dir, file); usable(p) {
			return p, nil
		}
		// Same stem with a differently cased extension.
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(e.Name(), file) {
				if p := filepath.Join(dir, e.Name()); usable(p) {
					return p, nil
				}
			}
		}
	}
	return "", fmt.Errorf("%w: %s in %d directories", ErrNotFound, file, len(dirs))
}

// Read locates name.ext and returns its bytes and path.
func Read(name, ext string, dirs []string) ([]byte, string, error) {
	p, err := Locate(name, ext, dirs)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, p, fmt.Errorf("read %s: %w", p, err)
	}
	return data, p, nil
}

// ScanOptions bound a Scan.
type ScanOptions struct {
	MaxDepth int
	Limit    int
	// MaxAge skips files older than this; zero disables the check.
	MaxAge time.Duration
}

// Scan walks roots for .p12 and .pfx files, skipping directories that never
// hold user credentials.
func Scan(ctx context.Context, roots []string, opts ScanOptions) ([]string, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	var cutoff time.Time
	if opts.MaxAge > 0 {
		cutoff = time.Now().Add(-opts.MaxAge)
	}
	seen := make(map[string]struct{})
	var out []string
	errLimit := errors.New("limit reached")

	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		base := depth(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				level := depth(path) - base
				if level > opts.MaxDepth || (level > 0 && skipDir(d.Name(), level)) {
					return filepath.SkipDir
				}
				return nil
			}
			if !IsContainerName(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() == 0 || info.Size() > MaxSize {
				return nil
			}
			if !cutoff.IsZero() && info.ModTime().Before(cutoff) {
				return nil
			}
			if _, ok := seen[path]; ok {
				return nil
			}
			seen[path] = struct{}{}
			out = append(out, path)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return errLimit
			}
			return nil
		})
		if errors.Is(err, errLimit) {
			break
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// IsContainerName reports whether name has a PKCS#12 extension.
func IsContainerName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

var skipNames = map[string]bool{
	"node_modules": true, ".git": true, ".svn": true, ".hg": true,
	"__pycache__": true, ".cache": true, "cache": true, "Cache": true,
	"logs": true, "tmp": true, "temp": true, "Trash": true, ".Trash": true,
	"fonts": true, "icons": true, "locale": true,
}

func skipDir(name string, level int) bool {
	if skipNames[name] {
		return true
	}
	if level > 1 && strings.HasPrefix(name, ".") {
		lower := strings.ToLower(name)
		for _, hint := range []string{"cert", "pki", "ssl", "key", "crypto", "mozilla", "firefox"} {
			if strings.Contains(lower, hint) {
				return false
			}
		}
		return true
	}
	return false
}

func usable(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular() && st.Size() > 0 && st.Size() <= MaxSize
}

func depth(p string) int {
	p = filepath.Clean(p)
	if p == "." || p == string(filepath.Separator) {
		return 0
	}
	return strings.Count(p, string(filepath.Separator))
}

func xdgUserDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

// Package local implements a media store rooted in a local directory.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local media store.
type Config struct {
	// BaseDir is the target directory; media lands in BaseDir/{category}/.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// MediaStore writes media files below a base directory.
type MediaStore struct {
	baseDir string
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*MediaStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", cfg.BaseDir)
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("clean up write probe: %w", err)
	}

	return &MediaStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Put streams r to relPath below the base directory and returns the cleaned
// relative path. The file appears atomically once fully written; concurrent
// writers of the same path leave one complete copy.
func (s *MediaStore) Put(ctx context.Context, relPath string, r io.Reader) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("path is required")
	}

	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", relPath)
	}
	dir := filepath.Dir(fullPath)
	// MkdirAll tolerates concurrent creation of the same parent.
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		cleanup()
		return "", fmt.Errorf("write %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", relPath, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename %s: %w", relPath, err)
	}

	rel, err := filepath.Rel(s.baseDir, fullPath)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// BaseDir returns the store root.
func (s *MediaStore) BaseDir() string {
	return s.baseDir
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

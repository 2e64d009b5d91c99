// Package localcache implements the worker-local scratch space and the
// per-session content-addressed input cache (spec §4.2, §5 invariant 2).
package localcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/taskmesh/fleetexec/internal/log"
)

// ScratchSpace is the process-wide parent of every per-task scratch
// directory. It is created lazily and torn down once, at worker
// shutdown — never per task.
type ScratchSpace struct {
	mu   sync.Mutex
	fs   afero.Fs
	root string
	n    int
}

func NewScratchSpace(fs afero.Fs, root string) *ScratchSpace {
	return &ScratchSpace{fs: fs, root: root}
}

// New creates a fresh, never-reused scratch directory for one envelope
// execution.
func (s *ScratchSpace) New() (string, error) {
	s.mu.Lock()
	s.n++
	dir := filepath.Join(s.root, fmt.Sprintf("task-%d", s.n))
	s.mu.Unlock()

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Close deletes the scratch root. Intended to run from a shutdown hook.
func (s *ScratchSpace) Close() error {
	return s.fs.RemoveAll(s.root)
}

// LocalCache materializes remote input files into a single per-process
// directory, keyed by (sessionId, source), so sibling tasks on the same
// worker share one on-disk copy instead of each staging their own.
type LocalCache struct {
	fs    afero.Fs
	root  string
	group singleflight.Group

	// Fetch copies the file at source into the cache destination path.
	// Overridable so tests and alternate transports (e.g. a shared-
	// storage mount vs. an HTTP fetch) can plug in without touching the
	// cache's concurrency contract.
	Fetch func(ctx context.Context, fs afero.Fs, source, dest string) error
}

func NewLocalCache(fs afero.Fs, root string) *LocalCache {
	return &LocalCache{fs: fs, root: root, Fetch: copyFile}
}

// GetLocalCachePath returns a stable cache path for (sessionId, source),
// materializing the file on first request. Concurrent callers for the
// same key observe exactly one materialization.
func (c *LocalCache) GetLocalCachePath(ctx context.Context, source, sessionID string) (string, error) {
	key := sessionID + "\x00" + source
	dest := filepath.Join(c.root, cacheEntryName(key))

	if _, err := c.fs.Stat(dest); err == nil {
		return dest, nil
	}

	_, err, _ := c.group.Do(key, func() (any, error) {
		if _, err := c.fs.Stat(dest); err == nil {
			return nil, nil
		}
		if err := c.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		log.Debugf("materializing %s into local cache", source)
		return nil, c.Fetch(ctx, c.fs, source, dest)
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

// cacheEntryName derives a syscall-legal path component from a
// (sessionId, source) key. The key itself contains a NUL separator so it
// can't be used as a path component directly; hashing it also gives the
// cache its content-addressed shape.
func cacheEntryName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func copyFile(_ context.Context, fs afero.Fs, source, dest string) error {
	in, err := fs.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".tmp"
	out, err := fs.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		fs.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, dest)
}

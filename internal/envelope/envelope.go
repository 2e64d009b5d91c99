// Package envelope implements the Remote Task Envelope lifecycle shared
// by script and closure tasks: hydrate, stage, execute, un-stage (spec
// §4.3).
package envelope

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/fleetexec/internal/codec"
	"github.com/taskmesh/fleetexec/internal/localcache"
	"github.com/taskmesh/fleetexec/internal/log"
	"github.com/taskmesh/fleetexec/internal/protocol"
)

// ProcessExecutionError wraps any failure raised during stage, execute,
// or un-stage. It is what crosses the cluster future's exception channel
// back to the submitter.
type ProcessExecutionError struct {
	TaskName string
	Cause    error
}

func (e *ProcessExecutionError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.TaskName, e.Cause)
}

func (e *ProcessExecutionError) Unwrap() error { return e.Cause }

// Envelope is the worker-side entry point for a remote task unit.
type Envelope interface {
	Call(ctx context.Context) (any, error)
	Cancel() error
}

// base is embedded by every envelope specialization. It owns the
// hydrate/stage/un-stage machinery; specializations only implement
// execute0.
type base struct {
	mu sync.Mutex

	payload   []byte
	sessionID string
	codec     codec.Codec
	cache     *localcache.LocalCache
	scratch   *localcache.ScratchSpace

	attrs      *protocol.Attributes
	scratchDir string
}

func newBase(attrs *protocol.Attributes, sessionID string, c codec.Codec, cache *localcache.LocalCache, scratch *localcache.ScratchSpace) (base, error) {
	payload, err := codec.EncodeAttributes(c, attrs)
	if err != nil {
		return base{}, err
	}
	return base{
		payload:   payload,
		sessionID: sessionID,
		codec:     c,
		cache:     cache,
		scratch:   scratch,
	}, nil
}

// hydrate decodes the wire payload into the live attribute map on first
// access. Once constructed on the submitter the envelope is immutable;
// only this lazy decode happens on the worker.
func (b *base) hydrate() (*protocol.Attributes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attrs != nil {
		return b.attrs, nil
	}
	attrs, err := codec.DecodeAttributes(b.codec, b.payload)
	if err != nil {
		return nil, err
	}
	b.attrs = attrs
	return attrs, nil
}

// stage creates a fresh scratch directory and symlinks every declared
// input file in from the local cache. Symlinks, never copies: identical
// inputs across sibling tasks on one worker must share storage.
func (b *base) stage(ctx context.Context, fs afero.Fs) (string, error) {
	attrs, err := b.hydrate()
	if err != nil {
		return "", err
	}

	dir, err := b.scratch.New()
	if err != nil {
		return "", err
	}
	b.scratchDir = dir

	linker, ok := fs.(afero.Linker)
	if !ok {
		return "", fmt.Errorf("filesystem does not support symlinks")
	}

	for name, source := range attrs.InputFiles {
		cachePath, err := b.cache.GetLocalCachePath(ctx, source, b.sessionID)
		if err != nil {
			return "", fmt.Errorf("staging %s: %w", name, err)
		}

		target := filepath.Join(dir, name)
		if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", err
		}
		if err := linker.SymlinkIfPossible(cachePath, target); err != nil {
			return "", fmt.Errorf("staging %s: %w", name, err)
		}
	}

	return dir, nil
}

// unstage ensures targetDir exists and copies every file in scratch that
// matches an output pattern out to it, preserving the scratch-relative
// path. Unmatched patterns are not fatal; per-file copy failures are
// logged and skipped.
func (b *base) unstage(ctx context.Context, fs afero.Fs) error {
	attrs, err := b.hydrate()
	if err != nil {
		return err
	}

	if err := fs.MkdirAll(attrs.TargetDir, 0o755); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)

	for _, pattern := range attrs.OutputFiles {
		pattern := pattern
		g.Go(func() error {
			matches, err := matchPattern(fs, b.scratchDir, pattern)
			if err != nil {
				log.Warnf("un-stage: pattern %q: %v", pattern, err)
				return nil
			}
			for _, rel := range matches {
				src := filepath.Join(b.scratchDir, rel)
				dst := filepath.Join(attrs.TargetDir, rel)
				if err := copyPreservingPath(fs, src, dst); err != nil {
					log.Warnf("un-stage: copying %s: %v", rel, err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// matchPattern walks the scratch tree for entries matching pattern,
// relative to root. If the pattern contains "**" only regular files are
// considered; otherwise any entry (file or directory) matches.
func matchPattern(fs afero.Fs, root, pattern string) ([]string, error) {
	recursive := strings.Contains(pattern, "**")
	var out []string

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if recursive && info.IsDir() {
			return nil
		}
		if recursive && !info.Mode().IsRegular() {
			return nil
		}

		if globMatch(pattern, rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// globMatch matches a scratch-relative path against a pattern that may
// contain "**" (match any number of path segments, including none).
func globMatch(pattern, name string) bool {
	pParts := strings.Split(pattern, "/")
	nParts := strings.Split(name, "/")
	return globParts(pParts, nParts)
}

func globParts(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}

	if pattern[0] == "**" {
		if globParts(pattern[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return globParts(pattern, name[1:])
	}

	if len(name) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], name[0])
	if err != nil || !ok {
		return false
	}
	return globParts(pattern[1:], name[1:])
}

// run sequences hydrate (implicit in stage) -> stage -> execute ->
// un-stage, wrapping any failure as a ProcessExecutionError. Un-staging
// is attempted even if execute fails, as long as stage completed, so
// partial outputs matching the declared patterns still make it to
// targetDir; it is never attempted if stage itself failed.
func (b *base) run(ctx context.Context, fs afero.Fs, execute func(ctx context.Context, scratchDir string) (any, error)) (any, error) {
	attrs, err := b.hydrate()
	if err != nil {
		return nil, err
	}

	dir, err := b.stage(ctx, fs)
	if err != nil {
		return nil, &ProcessExecutionError{TaskName: attrs.Name, Cause: err}
	}

	result, execErr := execute(ctx, dir)

	if unstageErr := b.unstage(ctx, fs); unstageErr != nil && execErr == nil {
		execErr = unstageErr
	}

	if execErr != nil {
		return nil, &ProcessExecutionError{TaskName: attrs.Name, Cause: execErr}
	}
	return result, nil
}

func copyPreservingPath(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

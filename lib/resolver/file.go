// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/realm/lib/decl"
	"github.com/bureau-foundation/realm/lib/manifest"
)

// FileResolver loads file:// manifests. Absolute paths are read
// directly; relative paths are searched in Dirs in order.
type FileResolver struct {
	Dirs   []string
	Logger *slog.Logger

	mu       sync.Mutex
	resolved map[string]string // absolute path → URL
	added    chan string
}

// Resolve implements Resolver.
func (f *FileResolver) Resolve(ctx context.Context, url string) (*decl.ComponentDecl, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	location, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return nil, &Error{URL: url, Err: ErrUnsupportedScheme}
	}

	path, err := f.locate(location)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	component, err := manifest.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{URL: url, Err: ErrNotFound}
		}
		return nil, &Error{URL: url, Err: err}
	}

	f.mu.Lock()
	if f.resolved == nil {
		f.resolved = make(map[string]string)
	}
	_, known := f.resolved[path]
	f.resolved[path] = url
	added := f.added
	f.mu.Unlock()

	if !known && added != nil {
		select {
		case added <- path:
		default:
		}
	}
	return component, nil
}

func (f *FileResolver) locate(location string) (string, error) {
	if filepath.IsAbs(location) {
		return filepath.Clean(location), nil
	}
	for _, directory := range f.Dirs {
		candidate := filepath.Join(directory, location)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s not in %v", ErrNotFound, location, f.Dirs)
}

// Watch invalidates cache entries for manifests whose files change.
// It watches Dirs and the directory of every manifest resolved so far
// or later, and returns when ctx ends. onChange, if non-nil, is called
// with each invalidated URL.
func (f *FileResolver) Watch(ctx context.Context, cache *Cache, onChange func(url string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating manifest watcher: %w", err)
	}
	defer watcher.Close()

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watched := make(map[string]bool)
	watch := func(directory string) {
		if watched[directory] {
			return
		}
		if err := watcher.Add(directory); err != nil {
			logger.Debug("cannot watch manifest directory", "path", directory, "error", err)
			return
		}
		watched[directory] = true
	}
	for _, directory := range f.Dirs {
		watch(directory)
	}
	added := make(chan string, 16)
	f.mu.Lock()
	f.added = added
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.added = nil
		f.mu.Unlock()
	}()
	for _, path := range f.resolvedPaths() {
		watch(filepath.Dir(path))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-added:
			watch(filepath.Dir(path))
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("manifest watcher error", "error", watchErr)
		case change, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !change.Has(fsnotify.Write) && !change.Has(fsnotify.Create) &&
				!change.Has(fsnotify.Remove) && !change.Has(fsnotify.Rename) {
				continue
			}
			url, known := f.urlFor(filepath.Clean(change.Name))
			if !known {
				continue
			}
			cache.Invalidate(url)
			logger.Info("manifest changed, cache invalidated", "path", change.Name, "url", url)
			if onChange != nil {
				onChange(url)
			}
		}
	}
}

func (f *FileResolver) resolvedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.resolved))
	for path := range f.resolved {
		paths = append(paths, path)
	}
	return paths
}

func (f *FileResolver) urlFor(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url, ok := f.resolved[path]
	return url, ok
}

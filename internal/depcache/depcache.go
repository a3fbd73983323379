// Copyright 2026 The DevFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package depcache implements the content-addressed dependency cache shared
// by the Dependency Resolver and the compiled-artifact cache of Runtime-C
//. It owns the on-disk layout and
// the per-entry locking discipline: concurrent readers are always safe,
// writes to the same entry serialize, and two concurrent requests for the
// same uncached entry must produce exactly one materialization.
package depcache

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/gofrs/flock"

	"github.com/devflow-project/engine/internal/fspath"
)

// LockFileName is the marker file that, together with the expected artifact
// layout, indicates an intact cache entry.
const LockFileName = ".devflow.lock"

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`) //nolint:gochecknoglobals // compiled once

// Sanitize replaces every run of characters unsafe for a path component with
// a single underscore, for package names and specifiers used in the cache
// layout.
func Sanitize(s string) string {
	return sanitizeRe.ReplaceAllString(s, "_")
}

// Cache is a content-addressed store rooted at a single directory. One Cache
// instance is shared process-wide for the dependency cache; runtime managers
// each own a separate Cache rooted at their own subdirectory for prepared
// environments, and Runtime-C owns one for compiled artifacts.
type Cache struct {
	root fspath.Path

	mu     sync.Mutex // guards locks
	locks  map[string]*sync.Mutex
	flocks map[string]*flock.Flock
}

// New returns a Cache rooted at root. The directory is not created until the
// first entry is written.
func New(root fspath.Path) *Cache {
	return &Cache{
		root:   root,
		locks:  make(map[string]*sync.Mutex),
		flocks: make(map[string]*flock.Flock),
	}
}

// Root returns the cache's root directory.
func (c *Cache) Root() fspath.Path {
	return c.root
}

// EntryPath joins root with the given path components, sanitizing none of
// them (callers sanitize the components that come from untrusted manifest
// data before calling this).
func (c *Cache) EntryPath(components ...string) fspath.Path {
	return c.root.Join(components...)
}

// Intact reports whether the cache entry at path is complete: the lock
// marker is present and every file in expectArtifacts exists relative to
// path.
func (c *Cache) Intact(path fspath.Path, expectArtifacts ...string) (bool, error) {
	ok, err := path.Join(LockFileName).IsFile()
	if err != nil {
		return false, fmt.Errorf("depcache: checking lock marker at %q: %w", path, err)
	}

	if !ok {
		return false, nil
	}

	for _, rel := range expectArtifacts {
		ok, err := path.Join(rel).IsFile()
		if err != nil {
			return false, fmt.Errorf("depcache: checking artifact %q: %w", rel, err)
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// MarkComplete writes the lock marker file for path, declaring the entry
// durably complete.
func (c *Cache) MarkComplete(path fspath.Path) error {
	if err := path.MkdirAll(0o755); err != nil {
		return fmt.Errorf("depcache: creating %q: %w", path, err)
	}

	f, err := path.Join(LockFileName).OpenFile(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("depcache: writing lock marker at %q: %w", path, err)
	}

	defer f.Close() //nolint:errcheck // best effort close after a successful write

	return nil
}

// WithLock runs fn while holding both the in-process mutex and an
// inter-process file lock for the cache entry at path, so that concurrent
// preparations of the same {pluginId, depHash} or compile cache key observe
// each other. Late arrivals that
// acquire the lock after fn already populated the entry are expected to
// re-check [Cache.Intact] themselves before redoing the work.
func (c *Cache) WithLock(path fspath.Path, fn func() error) error {
	key := filepath.Clean(path.String())

	c.mu.Lock()

	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}

	fl, ok := c.flocks[key]
	if !ok {
		if err := path.Dir().MkdirAll(0o755); err != nil {
			c.mu.Unlock()

			return fmt.Errorf("depcache: preparing lock directory for %q: %w", path, err)
		}

		fl = flock.New(key + ".flock")
		c.flocks[key] = fl
	}

	c.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	if err := fl.Lock(); err != nil {
		return fmt.Errorf("depcache: acquiring file lock for %q: %w", path, err)
	}

	defer fl.Unlock() //nolint:errcheck // best effort unlock

	return fn()
}

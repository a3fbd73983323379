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

// Package discovery implements the discovery service: scanning plugin search
// roots for manifests, parsing and validating them, computing the source
// hash used for cache invalidation, and reconciling newly found plugins
// against an existing registry.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/registrystore"
)

const (
	op               = "discovery"
	manifestFileName = "plugin.json"
)

// Errors returned while parsing and validating manifests.
var (
	errNoManifest   = errors.New("no manifest file found")
	errMissingEntry = errors.New("entry point file does not exist under plugin root")
	errBadExtension = errors.New("entry point extension does not match declared language")
)

// rawManifest mirrors the on-disk JSON shape of plugin.json. Its
// field names are matched case-insensitively by [encoding/json].
type rawManifest struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	Language      string         `json:"language"`
	EntryPoint    string         `json:"entryPoint"`
	Capabilities  []string       `json:"capabilities"`
	Dependencies  []string       `json:"dependencies"`
	Configuration map[string]any `json:"configuration"`
	Extra         map[string]any `json:"-"`
}

// Search walks each root in paths and returns the manifests found in its
// direct subdirectories. A manifest that fails to parse contributes a
// warning rather than aborting the search; every other path keeps scanning
//.
func Search(ctx context.Context, paths []fspath.Path) ([]*manifest.Manifest, []error) {
	var (
		mu        sync.Mutex
		manifests []*manifest.Manifest
		warnings  []error
	)

	var wg sync.WaitGroup

	for _, root := range paths {
		wg.Add(1)

		go func(root fspath.Path) {
			defer wg.Done()

			found, errs := searchRoot(ctx, root)

			mu.Lock()
			defer mu.Unlock()

			manifests = append(manifests, found...)
			warnings = append(warnings, errs...)
		}(root)
	}

	wg.Wait()

	slog.DebugContext(ctx, "discovery search complete", "found", len(manifests), "warnings", len(warnings))

	return manifests, warnings
}

// searchRoot scans the direct subdirectories of one root concurrently. Each
// subdirectory's outcome is independent: a bad manifest in one subdirectory
// never cancels the scan of its siblings, so the inner errgroup's Go
// functions always return nil and report failures through the shared
// warnings slice instead.
func searchRoot(ctx context.Context, root fspath.Path) ([]*manifest.Manifest, []error) {
	var (
		mu        sync.Mutex
		manifests []*manifest.Manifest
		warnings  []error
	)

	entries, err := root.ReadDir()
	if err != nil {
		return nil, []error{fmt.Errorf("%s: failed to read root %q: %w", op, root, err)}
	}

	eg, _ := errgroup.WithContext(ctx)

	for _, entry := range entries {
		entry := entry

		eg.Go(func() error {
			if !entry.IsDir() {
				return nil
			}

			dir := root.Join(entry.Name())

			m, err := parseDir(dir)
			if err != nil {
				if errors.Is(err, errNoManifest) {
					return nil
				}

				mu.Lock()
				warnings = append(warnings, err)
				mu.Unlock()

				return nil
			}

			mu.Lock()
			manifests = append(manifests, m)
			mu.Unlock()

			return nil
		})
	}

	_ = eg.Wait() // Go functions above never return non-nil.

	return manifests, warnings
}

// parseDir reads and decodes the manifest file inside dir, if any.
func parseDir(dir fspath.Path) (*manifest.Manifest, error) {
	path := dir.Join(manifestFileName).Clean()

	ok, err := path.IsFile()
	if err != nil {
		return nil, fmt.Errorf("%s: checking %q: %w", op, path, err)
	}

	if !ok {
		return nil, errNoManifest
	}

	return Parse(path)
}

// Parse reads and decodes one manifest file and normalizes it into a
// [manifest.Manifest]. It does not validate language-specific requirements;
// call [Validate] for that once a [manifest.Plugin] has been built.
func Parse(path fspath.Path) (*manifest.Manifest, error) {
	data, err := path.ReadFile()
	if err != nil {
		return nil, fmt.Errorf("%s: reading %q: %w", op, path, err)
	}

	// Decode twice: once into the typed shape we model, once into a generic
	// map so that keys we don't recognize survive as Metadata rather than
	// being silently dropped.
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", engineerrors.New(engineerrors.KindValidation, op+".Parse", err), path, err)
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", engineerrors.New(engineerrors.KindValidation, op+".Parse", err), path, err)
	}

	for _, known := range []string{
		"name", "version", "description", "language",
		"entryPoint", "capabilities", "dependencies", "configuration",
	} {
		delete(generic, known)
	}

	raw.Extra = generic

	if raw.Name == "" {
		return nil, engineerrors.New(engineerrors.KindValidation, op+".Parse",
			fmt.Errorf("manifest at %q: missing name", path))
	}

	if raw.EntryPoint == "" {
		return nil, engineerrors.New(engineerrors.KindValidation, op+".Parse",
			fmt.Errorf("manifest at %q: missing entryPoint", path))
	}

	deps := make([]manifest.Dependency, 0, len(raw.Dependencies))

	for _, d := range raw.Dependencies {
		dep, err := manifest.ParseDependency(d)
		if err != nil {
			return nil, fmt.Errorf("%w: manifest at %q", err, path)
		}

		deps = append(deps, dep)
	}

	info, err := os.Stat(path.String())
	if err != nil {
		return nil, fmt.Errorf("%s: stating %q: %w", op, path, err)
	}

	return &manifest.Manifest{
		Path:          path,
		ModTime:       info.ModTime(),
		Root:          path.Dir(),
		Name:          raw.Name,
		Version:       raw.Version,
		Description:   raw.Description,
		Language:      manifest.Language(raw.Language),
		EntryPoint:    raw.EntryPoint,
		Capabilities:  raw.Capabilities,
		Dependencies:  deps,
		Configuration: raw.Configuration,
		Metadata:      raw.Extra,
	}, nil
}

// Validate checks a Plugin's language-specific requirements and, on success,
// recomputes its source hash. It never mutates Status; callers decide the
// resulting status from the returned error: a missing entry point marks
// the plugin Error, it is not discarded.
func Validate(p *manifest.Plugin) error {
	if !p.Language.Valid() {
		return engineerrors.New(engineerrors.KindValidation, op+".Validate",
			fmt.Errorf("plugin %q: unknown language %q", p.Name, p.Language))
	}

	if filepath.Ext(p.EntryPoint) != p.Language.EntryPointExt() {
		return engineerrors.New(engineerrors.KindValidation, op+".Validate",
			fmt.Errorf("%w: plugin %q: entry point %q, language %q", errBadExtension, p.Name, p.EntryPoint, p.Language))
	}

	ok, err := p.EntryPointPath().IsFile()
	if err != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".Validate", err)
	}

	if !ok {
		return engineerrors.New(engineerrors.KindValidation, op+".Validate",
			fmt.Errorf("%w: plugin %q: %s", errMissingEntry, p.Name, p.EntryPointPath()))
	}

	hash, err := SourceHash(p.Root)
	if err != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".Validate", err)
	}

	p.SourceHash = hash

	return nil
}

// SourceHash computes the stable digest over every source file under root,
// sorted by relative path, concatenating path-bytes + NUL + content for each
//. It is used both to detect drift for an already-registered
// plugin and to derive compiled-artifact cache keys.
func SourceHash(root fspath.Path) (string, error) {
	var relPaths []string

	err := filepath.WalkDir(root.String(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root.String(), path)
		if err != nil {
			return err
		}

		relPaths = append(relPaths, rel)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: walking %q: %w", op, root, err)
	}

	sort.Strings(relPaths)

	h := sha256.New()

	for _, rel := range relPaths {
		h.Write([]byte(rel))
		h.Write([]byte{0})

		data, err := root.Join(rel).ReadFile()
		if err != nil {
			return "", fmt.Errorf("%s: reading %q: %w", op, rel, err)
		}

		h.Write(data)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Reconcile builds or re-validates Plugins from freshly parsed manifests and
// registers them in store. A manifest whose Root matches an
// already-registered plugin is treated as that plugin drifting rather than
// a new one: its hash is recomputed and compared, and re-validation only
// runs when the hash changed or the plugin was not Available.
func Reconcile(_ context.Context, store *registrystore.Store, manifests []*manifest.Manifest) ([]*manifest.Plugin, []error) {
	existingByRoot := make(map[fspath.Path]*manifest.Plugin)
	for _, p := range store.All() {
		existingByRoot[p.Root] = p
	}

	var (
		result   []*manifest.Plugin
		warnings []error
	)

	for _, m := range manifests {
		if existing, ok := existingByRoot[m.Root]; ok {
			if err := reconcileExisting(store, existing); err != nil {
				warnings = append(warnings, err)
			}

			result = append(result, existing)

			continue
		}

		p, err := manifest.New(m)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", op, err))

			continue
		}

		if verr := Validate(p); verr != nil {
			p.Status = manifest.StatusError
			p.LastError = verr.Error()
		} else {
			p.Status = manifest.StatusAvailable
		}

		store.Register(p)
		result = append(result, p)
	}

	return result, warnings
}

// reconcileExisting re-hashes an already-registered plugin and, if the hash
// changed or the plugin was not Available, re-runs validation and updates
// its status in place.
func reconcileExisting(store *registrystore.Store, p *manifest.Plugin) error {
	hash, err := SourceHash(p.Root)
	if err != nil {
		return fmt.Errorf("%s: re-hashing %q: %w", op, p.Name, err)
	}

	if hash == p.SourceHash && p.Status == manifest.StatusAvailable {
		return nil
	}

	if verr := Validate(p); verr != nil {
		return store.SetStatus(p.ID, manifest.StatusError, verr.Error())
	}

	if err := store.UpdateSourceHash(p.ID, p.SourceHash); err != nil {
		return err
	}

	return store.SetStatus(p.ID, manifest.StatusAvailable, "")
}

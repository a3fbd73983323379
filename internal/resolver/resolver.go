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

// Package resolver implements the Dependency Resolver: turning a Plugin's
// declared dependencies into a [ResolvedDependencyContext] by materializing
// each dependency in a content-addressed cache and validating every
// resolution.
package resolver

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/devflow-project/engine/internal/depcache"
	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/registrystore"
	"github.com/devflow-project/engine/internal/resolver/registry"
)

const op = "resolver"

// fallbackPlatformDir is scanned for artifacts applicable to every platform,
// when a package ships no platform-specific build.
const fallbackPlatformDir = "any"

// Resolver materializes a plugin's dependency graph against the process-wide
// dependency cache.
type Resolver struct {
	cache    *depcache.Cache
	registry registry.Client
	store    *registrystore.Store

	// sources maps an ecosystem dependency kind to the registry feed URL it
	// is resolved against; manifest dependencies do not each carry their
	// own, so the engine configures one per ecosystem in the host config.
	sources map[manifest.DependencyKind]string

	platform string
}

// Option configures a Resolver at construction.
type Option func(*Resolver)

// WithPlatform overrides the platform tag used for cache paths and artifact
// scanning. Defaults to "{runtime.GOOS}-{runtime.GOARCH}".
func WithPlatform(platform string) Option {
	return func(r *Resolver) { r.platform = platform }
}

// New returns a Resolver backed by cache, client, and store.
func New(cache *depcache.Cache, client registry.Client, store *registrystore.Store, sources map[manifest.DependencyKind]string, opts ...Option) *Resolver {
	r := &Resolver{
		cache:    cache,
		registry: client,
		store:    store,
		sources:  sources,
		platform: runtime.GOOS + "-" + runtime.GOARCH,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// visitState tracks one node's position during the depth-first traversal of
// the dependency graph.
type visitState int

const (
	visitInProgress visitState = iota
	visitDone
)

// Resolve builds the full dependency graph reachable from plugin's direct
// dependencies. Cycles are detected via the
// in-progress visit set and terminate that branch with a Circular warning
// rather than failing the whole resolution; every other resolution failure
// is aggregated into the returned error so the caller can mark the plugin
// Error without losing any single failure's detail.
func (r *Resolver) Resolve(ctx context.Context, plugin *manifest.Plugin) (*ResolvedDependencyContext, error) {
	result := newResolvedDependencyContext()

	state := make(map[string]visitState)

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	var visit func(dep manifest.Dependency)

	visit = func(dep manifest.Dependency) {
		key := dep.Key()

		mu.Lock()

		if s, ok := state[key]; ok {
			if s == visitInProgress {
				result.Warnings = append(result.Warnings, Warning{
					Kind: WarningCircular, Key: key, Message: "Circular",
				})
			}

			mu.Unlock()

			return
		}

		state[key] = visitInProgress

		mu.Unlock()

		if err := r.resolveOne(ctx, plugin, dep, result, &mu, visit); err != nil {
			mu.Lock()
			errs = multierror.Append(errs, fmt.Errorf("%s: %s: %w", op, key, err))
			result.Warnings = append(result.Warnings, Warning{Kind: WarningUnresolved, Key: key, Message: err.Error()})
			mu.Unlock()
		}

		mu.Lock()
		state[key] = visitDone
		mu.Unlock()
	}

	for _, dep := range plugin.Dependencies {
		visit(dep)
	}

	return result, errs.ErrorOrNil()
}

// resolveOne resolves a single dependency node and, for sibling plugins,
// recurses into its own declared dependencies. Transitive traversal is only
// meaningful for sibling-plugin dependencies.
func (r *Resolver) resolveOne(
	ctx context.Context,
	plugin *manifest.Plugin,
	dep manifest.Dependency,
	result *ResolvedDependencyContext,
	mu *sync.Mutex,
	visit func(manifest.Dependency),
) error {
	switch {
	case dep.Kind.IsEcosystemPackage():
		pkg, err := r.resolvePackage(ctx, dep)
		if err != nil {
			return err
		}

		mu.Lock()
		result.Packages[dep.Key()] = pkg
		mu.Unlock()

		return nil

	case dep.Kind == manifest.DependencySiblingPlugin:
		sibling, err := r.resolveSibling(dep)
		if err != nil {
			return err
		}

		mu.Lock()
		result.Siblings[dep.Key()] = sibling
		mu.Unlock()

		for _, transitive := range sibling.Plugin.Dependencies {
			visit(transitive)
		}

		return nil

	case dep.Kind == manifest.DependencyFileReference:
		file, err := r.resolveFile(plugin.Root, dep)
		if err != nil {
			return err
		}

		mu.Lock()
		result.Files[dep.Key()] = file
		mu.Unlock()

		return nil

	default:
		return engineerrors.New(engineerrors.KindValidation, op+".resolveOne",
			fmt.Errorf("unknown dependency kind %q", dep.Kind))
	}
}

// resolvePackage resolves an ecosystem-package dependency: list published
// versions, pick the highest satisfying the constraint, fetch and cache it.
func (r *Resolver) resolvePackage(ctx context.Context, dep manifest.Dependency) (*ResolvedPackage, error) {
	source := r.sources[dep.Kind]

	version, exact := exactVersion(dep.Specifier)
	if !exact {
		resolved, err := r.pickHighest(ctx, source, dep.Name, dep.Specifier)
		if err != nil {
			return nil, err
		}

		version = resolved
	}

	sanitizedName := depcache.Sanitize(dep.Name)
	sanitizedSpecifier := depcache.Sanitize(dep.Specifier)
	entry := r.cache.EntryPath(sanitizedName, sanitizedSpecifier, r.platform, version)

	ok, err := r.cache.Intact(entry)
	if err != nil {
		return nil, engineerrors.New(engineerrors.KindInternal, op+".resolvePackage", err)
	}

	if ok {
		artifacts, err := scanArtifacts(entry, r.platform)
		if err != nil {
			return nil, engineerrors.New(engineerrors.KindInternal, op+".resolvePackage", err)
		}

		return &ResolvedPackage{Name: dep.Name, Version: version, Platform: r.platform, CachePath: entry, ArtifactPaths: artifacts}, nil
	}

	var pkg *ResolvedPackage

	lockErr := r.cache.WithLock(entry, func() error {
		// Re-check under the lock: another goroutine/process may have
		// finished materializing this exact entry while we waited (spec
		// §4.2 "two concurrent requests for the same uncached entry must
		// produce exactly one download").
		ok, err := r.cache.Intact(entry)
		if err != nil {
			return err
		}

		if !ok {
			if err := r.downloadAndExtract(ctx, source, dep.Name, version, entry); err != nil {
				return err
			}
		}

		artifacts, err := scanArtifacts(entry, r.platform)
		if err != nil {
			return err
		}

		pkg = &ResolvedPackage{Name: dep.Name, Version: version, Platform: r.platform, CachePath: entry, ArtifactPaths: artifacts}

		return nil
	})
	if lockErr != nil {
		return nil, engineerrors.New(engineerrors.KindDependencyUnresolved, op+".resolvePackage", lockErr)
	}

	return pkg, nil
}

// pickHighest queries the registry's version listing and selects the highest
// version satisfying specifier.
func (r *Resolver) pickHighest(ctx context.Context, source, name, specifier string) (string, error) {
	versions, err := r.registry.ListVersions(ctx, source, name)
	if err != nil {
		return "", engineerrors.New(engineerrors.KindDependencyUnresolved, op+".pickHighest", err)
	}

	constraint := manifest.ParseConstraint(specifier)

	var best string

	for _, v := range versions {
		if !constraint.Satisfies(v) {
			continue
		}

		if best == "" || manifest.CompareVersions(v, best) > 0 {
			best = v
		}
	}

	if best == "" {
		return "", engineerrors.New(engineerrors.KindDependencyUnresolved, op+".pickHighest",
			fmt.Errorf("no version of %q satisfies %q (candidates: %v)", name, specifier, versions))
	}

	return best, nil
}

// downloadAndExtract downloads the archive for (name, version, platform)
// into a temporary file, extracts it into entry, deletes the archive, and
// marks the entry complete.
func (r *Resolver) downloadAndExtract(ctx context.Context, source, name, version string, entry fspath.Path) error {
	result, err := r.registry.Download(ctx, source, name, version, r.platform)
	if err != nil {
		return fmt.Errorf("downloading %q %q: %w", name, version, err)
	}

	slog.DebugContext(ctx, "downloaded package archive",
		"package", name, "version", version, "size", humanize.Bytes(uint64(len(result.Body))))

	tmp, err := os.CreateTemp("", "devflow-pkg-*.tar.gz")
	if err != nil {
		return fmt.Errorf("creating temporary archive file: %w", err)
	}

	tmpPath := tmp.Name()

	defer os.Remove(tmpPath) //nolint:errcheck // best effort cleanup

	if _, err := tmp.Write(result.Body); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing

		return fmt.Errorf("writing temporary archive file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary archive file: %w", err)
	}

	if err := entry.MkdirAll(0o755); err != nil {
		return fmt.Errorf("creating cache entry directory: %w", err)
	}

	if err := extractTarGz(tmpPath, entry); err != nil {
		return fmt.Errorf("extracting archive: %w", err)
	}

	if err := r.cache.MarkComplete(entry); err != nil {
		return fmt.Errorf("marking cache entry complete: %w", err)
	}

	return nil
}

// extractTarGz extracts a gzip-compressed tar archive at archivePath into
// dest, rejecting entries that would escape dest (directory traversal via
// "..").
func extractTarGz(archivePath string, dest fspath.Path) error {
	f, err := os.Open(archivePath) //nolint:gosec // archivePath is our own temp file
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close() //nolint:errcheck // read-only handle

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		cleaned := path.Clean(hdr.Name)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		target := dest.Join(cleaned)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := target.MkdirAll(0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := target.Dir().MkdirAll(0o755); err != nil {
				return err
			}

			out, err := target.OpenFile(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("creating %q: %w", target, err)
			}

			if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // archive size bounded by registry response
				out.Close() //nolint:errcheck,gosec // already failing

				return fmt.Errorf("writing %q: %w", target, err)
			}

			if err := out.Close(); err != nil {
				return fmt.Errorf("closing %q: %w", target, err)
			}
		}
	}
}

// scanArtifacts walks the extracted tree for files under the
// platform-specific directory, the fallback platform directory, and the
// platform-qualified runtimes directory.
func scanArtifacts(entry fspath.Path, platform string) ([]fspath.Path, error) {
	var out []fspath.Path

	for _, dir := range []string{platform, fallbackPlatformDir, path.Join("runtimes", platform)} {
		full := entry.Join(dir)

		ok, err := full.IsDir()
		if err != nil {
			return nil, err
		}

		if !ok {
			continue
		}

		entries, err := full.ReadDir()
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}

			out = append(out, full.Join(e.Name()))
		}
	}

	return out, nil
}

// resolveSibling resolves a sibling-plugin dependency: look up every
// registered plugin with a matching name, keep the ones whose version
// satisfies the specifier, and take the highest.
func (r *Resolver) resolveSibling(dep manifest.Dependency) (*ResolvedSibling, error) {
	candidates := r.store.ByName(dep.Name)
	constraint := manifest.ParseConstraint(dep.Specifier)

	var best *manifest.Plugin

	for _, p := range candidates {
		if !constraint.Satisfies(p.Version.String()) {
			continue
		}

		if best == nil || manifest.CompareVersions(p.Version.String(), best.Version.String()) > 0 {
			best = p
		}
	}

	if best == nil {
		return nil, engineerrors.New(engineerrors.KindNotFound, op+".resolveSibling",
			fmt.Errorf("no registered plugin %q satisfies %q", dep.Name, dep.Specifier))
	}

	return &ResolvedSibling{Plugin: best}, nil
}

// resolveFile resolves a file-reference dependency relative to pluginRoot if
// not already absolute, and verifies it exists.
func (r *Resolver) resolveFile(pluginRoot fspath.Path, dep manifest.Dependency) (*ResolvedFile, error) {
	target := fspath.Path(dep.Source)
	if !target.IsAbs() {
		target = pluginRoot.Join(dep.Source)
	}

	isFile, err := target.IsFile()
	if err != nil {
		return nil, engineerrors.New(engineerrors.KindInternal, op+".resolveFile", err)
	}

	if !isFile {
		return nil, engineerrors.New(engineerrors.KindNotFound, op+".resolveFile",
			fmt.Errorf("file reference %q does not exist", target))
	}

	return &ResolvedFile{Path: target}, nil
}

// exactVersion reports whether specifier names a single literal version with
// no wildcard or operator.
func exactVersion(specifier string) (string, bool) {
	trimmed := strings.TrimSpace(specifier)

	switch trimmed {
	case "", "*", "latest":
		return "", false
	}

	if strings.ContainsAny(trimmed, "^~<>=!") {
		return "", false
	}

	return trimmed, true
}

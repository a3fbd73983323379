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

package resolver

import (
	"fmt"

	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
)

// WarningKind classifies a non-fatal outcome recorded while resolving a
// dependency graph.
type WarningKind string

// The kinds a [Warning] may carry.
const (
	// WarningCircular marks a dependency edge that would re-enter a node
	// already on the visit stack. The branch is terminated, not retried.
	WarningCircular WarningKind = "Circular"

	// WarningUnresolved marks a dependency that failed to resolve.
	WarningUnresolved WarningKind = "Unresolved"

	// WarningTransient names a dependency that failed because of a transient
	// I/O error after the registry client's retry budget was exhausted.
	// Resolve does not emit it: it reports every failed dependency as
	// WarningUnresolved.
	WarningTransient WarningKind = "Transient"
)

// Warning is a structured, renderable outcome for one dependency graph
// node, as opposed to a bare string.
type Warning struct {
	Kind    WarningKind
	Key     string
	Message string
}

// String renders the warning the way a host log line or CLI report would.
func (w Warning) String() string {
	return fmt.Sprintf("%s: %s: %s", w.Kind, w.Key, w.Message)
}

// ResolvedPackage is the outcome of resolving an ecosystem-package dependency
//.
type ResolvedPackage struct {
	Name          string
	Version       string
	Platform      string
	CachePath     fspath.Path
	ArtifactPaths []fspath.Path
}

// ResolvedSibling is the outcome of resolving a sibling-plugin dependency.
type ResolvedSibling struct {
	Plugin *manifest.Plugin
}

// ResolvedFile is the outcome of resolving a file-reference dependency.
type ResolvedFile struct {
	Path fspath.Path
}

// ResolvedDependencyContext is the materialized result of resolving every
// dependency reachable from a plugin's direct dependencies, keyed by
// [manifest.Dependency.Key].
type ResolvedDependencyContext struct {
	Packages map[string]*ResolvedPackage
	Siblings map[string]*ResolvedSibling
	Files    map[string]*ResolvedFile
	Warnings []Warning
}

// newResolvedDependencyContext returns an empty context ready for
// population.
func newResolvedDependencyContext() *ResolvedDependencyContext {
	return &ResolvedDependencyContext{
		Packages: make(map[string]*ResolvedPackage),
		Siblings: make(map[string]*ResolvedSibling),
		Files:    make(map[string]*ResolvedFile),
	}
}

// Satisfied reports whether the dependency with the given key resolved
// successfully, i.e. has an entry in one of the three result maps and no
// warning recorded under the same key. A sibling plugin must also be
// Available.
func (c *ResolvedDependencyContext) Satisfied(key string) bool {
	for _, w := range c.Warnings {
		if w.Key == key {
			return false
		}
	}

	if _, ok := c.Packages[key]; ok {
		return true
	}

	if s, ok := c.Siblings[key]; ok {
		return s.Plugin.Status == manifest.StatusAvailable
	}

	if _, ok := c.Files[key]; ok {
		return true
	}

	return false
}

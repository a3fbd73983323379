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

// Package manifest defines the plugin data model: the manifest value read
// from disk, the Plugin aggregate built from it, and the dependency
// specifier grammar used throughout discovery and resolution.
package manifest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anttikivi/semver"
	"github.com/hashicorp/go-uuid"

	"github.com/devflow-project/engine/internal/fspath"
)

// Errors returned while building and validating the plugin data model.
var (
	ErrInvalidManifest = errors.New("invalid plugin manifest")
	ErrInvalidSpecifier = errors.New("invalid dependency specifier")
)

// Language is one of the three source languages the engine executes plugins
// written in.
type Language string

// The language tags recognized by the engine.
const (
	LanguageCompiled    Language = "compiled"
	LanguageTranspiled  Language = "transpiled"
	LanguageInterpreted Language = "interpreted"
)

// entryPointExt maps a language tag to the file extension its entry point
// must carry.
var entryPointExt = map[Language]string{ //nolint:gochecknoglobals // static lookup table
	LanguageCompiled:    ".cpl",
	LanguageTranspiled:  ".ts",
	LanguageInterpreted: ".py",
}

// Valid reports whether l is one of the known language tags.
func (l Language) Valid() bool {
	_, ok := entryPointExt[l]

	return ok
}

// EntryPointExt returns the file extension an entry point for this language
// must have.
func (l Language) EntryPointExt() string {
	return entryPointExt[l]
}

// Status is a Plugin's position in its lifecycle state machine.
type Status string

// The plugin statuses.
const (
	StatusRegistered Status = "registered"
	StatusAvailable  Status = "available"
	StatusError      Status = "error"
	StatusDisabled   Status = "disabled"
)

// PluginID is the opaque, stable identifier assigned to a Plugin at
// registration. It is never mutated afterward.
type PluginID string

// NewPluginID generates a fresh, random PluginID.
func NewPluginID() (PluginID, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate plugin id: %w", err)
	}

	return PluginID(id), nil
}

// DependencyKind is one of the five shapes a declared dependency can take.
type DependencyKind string

// The dependency kinds and the manifest key that produces them.
const (
	DependencyEcosystemA    DependencyKind = "packageA"
	DependencyEcosystemB    DependencyKind = "packageB"
	DependencyEcosystemC    DependencyKind = "packageC"
	DependencySiblingPlugin DependencyKind = "plugin"
	DependencyFileReference DependencyKind = "file"
)

// ecosystemKinds are the dependency kinds resolved against the content
// addressed package cache, as opposed to sibling plugins or files.
var ecosystemKinds = map[DependencyKind]bool{ //nolint:gochecknoglobals // static lookup table
	DependencyEcosystemA: true,
	DependencyEcosystemB: true,
	DependencyEcosystemC: true,
}

// IsEcosystemPackage reports whether k is one of the three ecosystem package
// kinds.
func (k DependencyKind) IsEcosystemPackage() bool {
	return ecosystemKinds[k]
}

// Dependency is an immutable value describing one declared dependency of a
// plugin, parsed from a manifest specifier of the shape
// "kind:name@specifier".
type Dependency struct {
	// Name is the package or plugin name, or — for a FileReference — the
	// path, which is also copied into Source.
	Name string

	// Specifier is the raw version specifier string, understood by
	// [ParseConstraint].
	Specifier string

	// Kind classifies the dependency.
	Kind DependencyKind

	// Source is the path for a FileReference. It is empty for ecosystem and
	// sibling-plugin dependencies; ecosystem feed URLs come from the host
	// configuration.
	Source string
}

// Key returns the dependency graph node key for d, "kind:name@specifier".
func (d Dependency) Key() string {
	return fmt.Sprintf("%s:%s@%s", d.Kind, d.Name, d.Specifier)
}

// ParseDependency parses a manifest dependency string of the shape
// "kind:name@specifier" into a Dependency.
func ParseDependency(raw string) (Dependency, error) {
	kindSep := strings.IndexByte(raw, ':')
	if kindSep < 0 {
		return Dependency{}, fmt.Errorf("%w: %q: missing kind separator", ErrInvalidSpecifier, raw)
	}

	kindStr, rest := raw[:kindSep], raw[kindSep+1:]

	atSep := strings.IndexByte(rest, '@')
	if atSep < 0 {
		return Dependency{}, fmt.Errorf("%w: %q: missing version separator", ErrInvalidSpecifier, raw)
	}

	name, specifier := rest[:atSep], rest[atSep+1:]
	if name == "" {
		return Dependency{}, fmt.Errorf("%w: %q: empty name", ErrInvalidSpecifier, raw)
	}

	var kind DependencyKind

	switch kindStr {
	case "packageA":
		kind = DependencyEcosystemA
	case "packageB":
		kind = DependencyEcosystemB
	case "packageC":
		kind = DependencyEcosystemC
	case "plugin":
		kind = DependencySiblingPlugin
	case "file":
		kind = DependencyFileReference
	default:
		return Dependency{}, fmt.Errorf("%w: %q: unknown kind %q", ErrInvalidSpecifier, raw, kindStr)
	}

	dep := Dependency{Name: name, Specifier: specifier, Kind: kind}
	if kind == DependencyFileReference {
		dep.Source = name
	}

	return dep, nil
}

// Manifest is the value produced by Discovery when it parses a
// "plugin.json" file. It is ephemeral: Discovery consumes it to build a
// Plugin and does not retain it afterward.
type Manifest struct {
	// Path is the absolute path to the manifest file.
	Path fspath.Path

	// ModTime is the manifest file's last-modified time.
	ModTime time.Time

	// Root is the plugin's filesystem root, the manifest's parent directory.
	Root fspath.Path

	Name          string
	Version       string
	Description   string
	Language      Language
	EntryPoint    string
	Capabilities  []string
	Dependencies  []Dependency
	Configuration map[string]any

	// Metadata holds manifest keys not otherwise recognized, preserved
	// verbatim rather than dropped on parse.
	Metadata map[string]any
}

// Plugin is the aggregate root of the data model: a unit of third-party code
// the engine has discovered and may execute.
//
// Invariants: Name is non-empty; Version parses as semantic; EntryPoint
// exists under Root; SourceHash reflects the current content of Root.
type Plugin struct {
	ID          PluginID
	Name        string
	Version     *semver.Version
	Description string
	Language    Language
	EntryPoint  string
	Root        fspath.Path

	Capabilities  []string
	Dependencies  []Dependency
	DefaultConfig map[string]any

	Status         Status
	LastError      string
	ExecutionCount uint64
	LastExecutedAt time.Time
	SourceHash     string
}

// EntryPointPath returns the absolute path to the plugin's entry-point file.
func (p *Plugin) EntryPointPath() fspath.Path {
	return p.Root.Join(p.EntryPoint)
}

// New builds a Plugin from a freshly parsed Manifest, assigning it a new
// PluginID. It does not validate or hash the plugin; callers run
// [discovery.Validate] for that.
func New(m *Manifest) (*Plugin, error) {
	id, err := NewPluginID()
	if err != nil {
		return nil, err
	}

	v, err := semver.Parse(m.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: plugin %q: version %q does not parse as semver: %w",
			ErrInvalidManifest, m.Name, m.Version, err)
	}

	return &Plugin{
		ID:            id,
		Name:          m.Name,
		Version:       v,
		Description:   m.Description,
		Language:      m.Language,
		EntryPoint:    m.EntryPoint,
		Root:          m.Root,
		Capabilities:  m.Capabilities,
		Dependencies:  m.Dependencies,
		DefaultConfig: m.Configuration,
		Status:        StatusRegistered,
	}, nil
}

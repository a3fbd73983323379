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

package discovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/devflow-project/engine/internal/discovery"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/registrystore"
)

func writePlugin(t *testing.T, root, name, entryBody string) fspath.Path {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	manifestJSON := `{
		"name": "` + name + `",
		"version": "1.0.0",
		"language": "compiled",
		"entryPoint": "hello.cpl",
		"dependencies": ["packageA:Library@^1.0.0"]
	}`

	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifestJSON), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "hello.cpl"), []byte(entryBody), 0o644); err != nil {
		t.Fatalf("WriteFile entry: %v", err)
	}

	return fspath.Path(dir)
}

func TestSearchFindsManifests(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "Greeter", "package main")

	manifests, warnings := discovery.Search(context.Background(), []fspath.Path{fspath.Path(root)})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	if len(manifests) != 1 {
		t.Fatalf("got %d manifests, want 1", len(manifests))
	}

	m := manifests[0]
	if m.Name != "Greeter" {
		t.Errorf("Name = %q, want Greeter", m.Name)
	}

	if len(m.Dependencies) != 1 || m.Dependencies[0].Kind != manifest.DependencyEcosystemA {
		t.Errorf("Dependencies = %+v, want one EcosystemA dep", m.Dependencies)
	}
}

func TestSearchSkipsDirsWithoutManifest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	manifests, warnings := discovery.Search(context.Background(), []fspath.Path{fspath.Path(root)})
	if len(manifests) != 0 || len(warnings) != 0 {
		t.Fatalf("expected no manifests and no warnings, got %d/%d", len(manifests), len(warnings))
	}
}

func TestSearchWarnsOnBadManifestButContinues(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "Good", "package main")

	badDir := filepath.Join(root, "Bad")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(filepath.Join(badDir, "plugin.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifests, warnings := discovery.Search(context.Background(), []fspath.Path{fspath.Path(root)})
	if len(manifests) != 1 {
		t.Fatalf("got %d manifests, want 1 (the good one)", len(manifests))
	}

	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
}

func TestSourceHashStableAndSensitiveToDrift(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := writePlugin(t, root, "Greeter", "package main\n")

	h1, err := discovery.SourceHash(dir)
	if err != nil {
		t.Fatalf("SourceHash: %v", err)
	}

	h2, err := discovery.SourceHash(dir)
	if err != nil {
		t.Fatalf("SourceHash: %v", err)
	}

	if h1 != h2 {
		t.Errorf("hash not stable: %q != %q", h1, h2)
	}

	if err := os.WriteFile(dir.Join("hello.cpl").String(), []byte("package main\nfunc x(){}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	h3, err := discovery.SourceHash(dir)
	if err != nil {
		t.Fatalf("SourceHash: %v", err)
	}

	if h3 == h1 {
		t.Error("hash did not change after source drift")
	}
}

func TestReconcileRegistersNewAndRevalidatesDrifted(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "Greeter", "package main\n")

	store := registrystore.New()

	manifests, warnings := discovery.Search(context.Background(), []fspath.Path{fspath.Path(root)})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	plugins, warnings := discovery.Reconcile(context.Background(), store, manifests)
	if len(warnings) != 0 {
		t.Fatalf("unexpected reconcile warnings: %v", warnings)
	}

	if len(plugins) != 1 || plugins[0].Status != manifest.StatusAvailable {
		t.Fatalf("expected one Available plugin, got %+v", plugins)
	}

	firstHash := plugins[0].SourceHash

	// S3: drift source, re-run discovery, confirm re-validation refreshes hash.
	if err := os.WriteFile(plugins[0].Root.Join("hello.cpl").String(), []byte("package main\nfunc y(){}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	manifests2, _ := discovery.Search(context.Background(), []fspath.Path{fspath.Path(root)})

	plugins2, warnings2 := discovery.Reconcile(context.Background(), store, manifests2)
	if len(warnings2) != 0 {
		t.Fatalf("unexpected reconcile warnings: %v", warnings2)
	}

	if len(plugins2) != 1 {
		t.Fatalf("got %d plugins, want 1", len(plugins2))
	}

	if plugins2[0].ID != plugins[0].ID {
		t.Error("expected the same plugin identity across reconcile runs")
	}

	if plugins2[0].SourceHash == firstHash {
		t.Error("expected source hash to change after drift")
	}

	if plugins2[0].Status != manifest.StatusAvailable {
		t.Errorf("Status = %v, want Available", plugins2[0].Status)
	}
}

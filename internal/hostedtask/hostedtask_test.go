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

package hostedtask_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/devflow-project/engine/internal/dispatch"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/hostedtask"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/registrystore"
	"github.com/devflow-project/engine/internal/resolver"
	"github.com/devflow-project/engine/internal/runtime"
)

type fakeManager struct {
	lang    manifest.Language
	initErr error
}

func (f *fakeManager) RuntimeID() string                    { return "fake" }
func (f *fakeManager) Language() manifest.Language           { return f.lang }
func (f *fakeManager) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeManager) CanExecute(plugin *manifest.Plugin) bool { return false }

func (f *fakeManager) Validate(plugin *manifest.Plugin) runtime.ValidateResult {
	return runtime.ValidateResult{} //nolint:exhaustruct
}

func (f *fakeManager) Execute(ctx context.Context, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext, execCtx runtime.ExecutionContext) (runtime.ExecutionResult, error) {
	return runtime.ExecutionResult{}, nil //nolint:exhaustruct
}

func (f *fakeManager) Dispose(ctx context.Context) error { return nil }

func writePlugin(t *testing.T, root, name string) {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	manifestJSON := `{
		"name": "` + name + `",
		"version": "1.0.0",
		"language": "compiled",
		"entryPoint": "hello.cpl"
	}`

	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifestJSON), 0o644); err != nil {
		t.Fatalf("WriteFile manifest: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "hello.cpl"), []byte("package main"), 0o644); err != nil {
		t.Fatalf("WriteFile entry: %v", err)
	}
}

func TestRunDiscoversAndInitializes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "Greeter")

	store := registrystore.New()
	factory := dispatch.NewFactory(&fakeManager{lang: manifest.LanguageCompiled}) //nolint:exhaustruct
	composite := dispatch.NewComposite(factory)

	result, err := hostedtask.Run(context.Background(), []fspath.Path{fspath.Path(root)}, store, composite)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Plugins) != 1 {
		t.Fatalf("len(Plugins) = %d, want 1", len(result.Plugins))
	}

	if len(store.All()) != 1 {
		t.Fatalf("len(store.All()) = %d, want 1", len(store.All()))
	}
}

func TestRunPropagatesManagerInitializeFailure(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	store := registrystore.New()
	factory := dispatch.NewFactory(&fakeManager{lang: manifest.LanguageCompiled, initErr: errors.New("boom")}) //nolint:exhaustruct
	composite := dispatch.NewComposite(factory)

	_, err := hostedtask.Run(context.Background(), []fspath.Path{fspath.Path(root)}, store, composite)
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
}

func TestRunToleratesBadManifestAlongsideGoodOnes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "Greeter")

	badDir := filepath.Join(root, "Broken")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(filepath.Join(badDir, "plugin.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store := registrystore.New()
	factory := dispatch.NewFactory(&fakeManager{lang: manifest.LanguageCompiled}) //nolint:exhaustruct
	composite := dispatch.NewComposite(factory)

	result, err := hostedtask.Run(context.Background(), []fspath.Path{fspath.Path(root)}, store, composite)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Warnings) == 0 {
		t.Error("Warnings is empty, want at least one for the broken manifest")
	}

	if len(result.Plugins) != 1 {
		t.Fatalf("len(Plugins) = %d, want 1 (the good plugin only)", len(result.Plugins))
	}
}

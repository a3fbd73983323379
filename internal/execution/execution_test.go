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

package execution_test

import (
	"context"
	"errors"
	"testing"

	"github.com/devflow-project/engine/internal/discovery"
	"github.com/devflow-project/engine/internal/dispatch"
	"github.com/devflow-project/engine/internal/econfig"
	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/execution"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/registrystore"
	"github.com/devflow-project/engine/internal/resolver"
	"github.com/devflow-project/engine/internal/runtime"
	"github.com/devflow-project/engine/internal/security"
)

type fakeManager struct {
	lang       manifest.Language
	available  bool
	executeErr error
	result     runtime.ExecutionResult
	block      chan struct{} // if set, Execute waits until this is closed
	entered    chan struct{} // if set, Execute closes this on entry
}

func (f *fakeManager) RuntimeID() string                    { return "fake" }
func (f *fakeManager) Language() manifest.Language           { return f.lang }
func (f *fakeManager) Initialize(ctx context.Context) error { return nil }

func (f *fakeManager) CanExecute(plugin *manifest.Plugin) bool {
	return f.available && plugin.Language == f.lang
}

func (f *fakeManager) Validate(plugin *manifest.Plugin) runtime.ValidateResult {
	return runtime.ValidateResult{Executable: f.available, RuntimeID: "fake"} //nolint:exhaustruct
}

func (f *fakeManager) Execute(ctx context.Context, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext, execCtx runtime.ExecutionContext) (runtime.ExecutionResult, error) {
	if f.entered != nil {
		close(f.entered)
	}

	if f.block != nil {
		<-f.block
	}

	if f.executeErr != nil {
		return runtime.ExecutionResult{}, f.executeErr //nolint:exhaustruct
	}

	return f.result, nil
}

func (f *fakeManager) Dispose(ctx context.Context) error { return nil }

// newTestPlugin registers a plugin whose Root is a real, empty temp
// directory so revalidateIfDrifted's discovery.SourceHash call sees a
// stable hash and never triggers re-validation.
func newTestPlugin(t *testing.T) *manifest.Plugin {
	t.Helper()

	root := fspath.Path(t.TempDir())

	p, err := manifest.New(&manifest.Manifest{
		Name:       "greeter",
		Version:    "1.0.0",
		Language:   manifest.LanguageCompiled,
		EntryPoint: "entry.cpl",
	})
	if err != nil {
		t.Fatalf("manifest.New() error = %v", err)
	}

	p.Root = root
	p.Status = manifest.StatusAvailable

	hash, err := discovery.SourceHash(root)
	if err != nil {
		t.Fatalf("SourceHash() error = %v", err)
	}

	p.SourceHash = hash

	return p
}

func newService(t *testing.T, mgr *fakeManager, cfg *econfig.Config) (*execution.Service, *registrystore.Store, *manifest.Plugin) {
	t.Helper()

	store := registrystore.New()
	plugin := newTestPlugin(t)
	store.Register(plugin)

	factory := dispatch.NewFactory(mgr)
	composite := dispatch.NewComposite(factory)

	res := resolver.New(nil, nil, store, nil)
	secMgr := security.NewManager()

	if cfg == nil {
		cfg = econfig.Default()
	}

	svc := execution.New(store, res, composite, secMgr, cfg)

	return svc, store, plugin
}

func TestExecuteSucceeds(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{lang: manifest.LanguageCompiled, available: true, result: runtime.ExecutionResult{Success: true}} //nolint:exhaustruct
	svc, store, plugin := newService(t, mgr, nil)

	result, err := svc.Execute(context.Background(), execution.Invocation{PluginID: plugin.ID}) //nolint:exhaustruct
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if !result.Success {
		t.Error("Execute() result.Success = false, want true")
	}

	got, err := store.Get(plugin.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", got.ExecutionCount)
	}
}

func TestExecuteNotFound(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{lang: manifest.LanguageCompiled, available: true} //nolint:exhaustruct
	svc, _, _ := newService(t, mgr, nil)

	_, err := svc.Execute(context.Background(), execution.Invocation{PluginID: "does-not-exist"}) //nolint:exhaustruct
	if !engineerrors.Is(err, engineerrors.KindNotFound) {
		t.Fatalf("Execute() error = %v, want KindNotFound", err)
	}
}

func TestExecuteRejectsUnavailablePlugin(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{lang: manifest.LanguageCompiled, available: true} //nolint:exhaustruct
	svc, store, plugin := newService(t, mgr, nil)

	if err := store.SetStatus(plugin.ID, manifest.StatusError, "broken"); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	_, err := svc.Execute(context.Background(), execution.Invocation{PluginID: plugin.ID}) //nolint:exhaustruct
	if !engineerrors.Is(err, engineerrors.KindValidation) {
		t.Fatalf("Execute() error = %v, want KindValidation", err)
	}
}

func TestExecutePropagatesRuntimeError(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{lang: manifest.LanguageCompiled, available: true, executeErr: errors.New("boom")} //nolint:exhaustruct
	svc, _, plugin := newService(t, mgr, nil)

	_, err := svc.Execute(context.Background(), execution.Invocation{PluginID: plugin.ID}) //nolint:exhaustruct
	if err == nil {
		t.Fatal("Execute() error = nil, want non-nil")
	}
}

func TestExecuteBackpressureRejectsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	block := make(chan struct{})

	mgr := &fakeManager{lang: manifest.LanguageCompiled, available: true, entered: entered, block: block} //nolint:exhaustruct

	cfg := econfig.Default()
	cfg.MaxConcurrentExecutions = 1

	svc, _, plugin := newService(t, mgr, cfg)

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = svc.Execute(context.Background(), execution.Invocation{PluginID: plugin.ID}) //nolint:exhaustruct
	}()

	<-entered // first execution now holds the only semaphore slot

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Execute(ctx, execution.Invocation{PluginID: plugin.ID}) //nolint:exhaustruct
	if !engineerrors.Is(err, engineerrors.KindCancelled) {
		t.Fatalf("Execute() error = %v, want KindCancelled", err)
	}

	close(block)
	<-done
}

func TestGetPluginCapabilities(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{lang: manifest.LanguageCompiled, available: true} //nolint:exhaustruct
	svc, _, plugin := newService(t, mgr, nil)

	record, err := svc.GetPluginCapabilities(plugin.ID)
	if err != nil {
		t.Fatalf("GetPluginCapabilities() error = %v", err)
	}

	if !record.Executable {
		t.Error("Executable = false, want true")
	}

	if record.MemoryEstimate != econfig.DefaultMemoryCapBytes {
		t.Errorf("MemoryEstimate = %d, want default %d", record.MemoryEstimate, econfig.DefaultMemoryCapBytes)
	}

	if record.TimeoutEstimate != econfig.DefaultExecutionTimeout {
		t.Errorf("TimeoutEstimate = %v, want default %v", record.TimeoutEstimate, econfig.DefaultExecutionTimeout)
	}
}

func TestGetPluginCapabilitiesNotFound(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{lang: manifest.LanguageCompiled, available: true} //nolint:exhaustruct
	svc, _, _ := newService(t, mgr, nil)

	_, err := svc.GetPluginCapabilities("does-not-exist")
	if !engineerrors.Is(err, engineerrors.KindNotFound) {
		t.Fatalf("GetPluginCapabilities() error = %v, want KindNotFound", err)
	}
}

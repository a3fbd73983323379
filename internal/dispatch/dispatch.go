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

// Package dispatch implements the Composite Dispatcher & Factory (spec
// §4.5): language-to-runtime routing and concurrent lifecycle management
// across the three runtime managers. Initialize fans each manager's own
// Initialize out concurrently the way Discovery fans out its scan of each
// root's subdirectories (internal/discovery's use of golang.org/x/sync/errgroup).
package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/resolver"
	"github.com/devflow-project/engine/internal/runtime"
)

const op = "dispatch"

// Factory maintains one singleton of each runtime manager available in the
// process.
type Factory struct {
	managers []runtime.Manager
	byLang   map[manifest.Language]runtime.Manager
	byID     map[string]runtime.Manager
}

// NewFactory builds a Factory over managers. Managers must have distinct
// languages and runtime IDs.
func NewFactory(managers ...runtime.Manager) *Factory {
	f := &Factory{
		managers: managers,
		byLang:   make(map[manifest.Language]runtime.Manager, len(managers)),
		byID:     make(map[string]runtime.Manager, len(managers)),
	}

	for _, m := range managers {
		f.byLang[m.Language()] = m
		f.byID[m.RuntimeID()] = m
	}

	return f
}

// AllManagers returns every manager the factory holds.
func (f *Factory) AllManagers() []runtime.Manager {
	return f.managers
}

// GetForLanguage returns the manager registered for lang, if any.
func (f *Factory) GetForLanguage(lang manifest.Language) (runtime.Manager, bool) {
	m, ok := f.byLang[lang]

	return m, ok
}

// GetForPlugin returns the first manager whose CanExecute returns true for
// plugin.
func (f *Factory) GetForPlugin(plugin *manifest.Plugin) (runtime.Manager, bool) {
	for _, m := range f.managers {
		if m.CanExecute(plugin) {
			return m, true
		}
	}

	return nil, false
}

// IsLanguageSupported reports whether any manager declares lang.
func (f *Factory) IsLanguageSupported(lang manifest.Language) bool {
	_, ok := f.byLang[lang]

	return ok
}

// GetByID returns the manager with the given runtime id, if any.
func (f *Factory) GetByID(id string) (runtime.Manager, bool) {
	m, ok := f.byID[id]

	return m, ok
}

// Composite is the public runtime-manager facade.
type Composite struct {
	factory *Factory
}

// NewComposite returns a Composite backed by factory.
func NewComposite(factory *Factory) *Composite {
	return &Composite{factory: factory}
}

// Initialize calls every manager's Initialize concurrently. The composite is
// considered initialized even if individual managers end up unavailable;
// only an Initialize call that itself errors (an internal fault, not a
// missing toolchain) fails the whole call.
func (c *Composite) Initialize(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, m := range c.factory.AllManagers() {
		m := m

		group.Go(func() error {
			if err := m.Initialize(gctx); err != nil {
				return fmt.Errorf("initializing %s: %w", m.RuntimeID(), err)
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".Initialize", err)
	}

	return nil
}

// Execute distinguishes "unsupported language" from "runtime unavailable"
//: the former when no manager declares plugin's
// language at all, the latter when a manager exists but is not presently
// able to run it.
func (c *Composite) Execute(
	ctx context.Context,
	plugin *manifest.Plugin,
	deps *resolver.ResolvedDependencyContext,
	execCtx runtime.ExecutionContext,
) (runtime.ExecutionResult, error) {
	m, ok := c.factory.GetForLanguage(plugin.Language)
	if !ok {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindValidation, op+".Execute", //nolint:exhaustruct
			fmt.Errorf("no runtime manager registered for language %q", plugin.Language))
	}

	if !m.CanExecute(plugin) {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindRuntimeUnavailable, op+".Execute", //nolint:exhaustruct
			fmt.Errorf("runtime %q is not currently available", m.RuntimeID()))
	}

	result, err := m.Execute(ctx, plugin, deps, execCtx)
	if err != nil {
		return result, err
	}

	return result, nil
}

// Validate returns the capability record for plugin; GetPluginCapabilities
// delegates here.
func (c *Composite) Validate(plugin *manifest.Plugin) runtime.ValidateResult {
	m, ok := c.factory.GetForLanguage(plugin.Language)
	if !ok {
		return runtime.ValidateResult{ //nolint:exhaustruct
			Executable: false,
			Reasons:    []string{fmt.Sprintf("no runtime manager registered for language %q", plugin.Language)},
		}
	}

	return m.Validate(plugin)
}

// Dispose disposes every manager, collecting the first error encountered.
func (c *Composite) Dispose(ctx context.Context) error {
	var firstErr error

	for _, m := range c.factory.AllManagers() {
		if err := m.Dispose(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".Dispose", firstErr)
	}

	return nil
}

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

// Package hostedtask implements the Initialization Hosted Task:
// the one-shot discovery-and-registration pass that runs once at process
// start, and nowhere else. A plugin that fails during this pass is marked
// Error rather than aborting startup for its siblings.
package hostedtask

import (
	"context"
	"fmt"

	"github.com/devflow-project/engine/internal/discovery"
	"github.com/devflow-project/engine/internal/dispatch"
	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/registrystore"
)

const op = "hostedtask"

// Result summarizes one run of [Run].
type Result struct {
	Plugins  []*manifest.Plugin
	Warnings []error
}

// Run performs discovery across roots, reconciles the results into store,
// and initializes every runtime manager reachable through composite. It
// runs once at process start; nothing in the engine re-invokes it (spec
// §4.7 "runs once, at process start, and is not re-entered").
func Run(ctx context.Context, roots []fspath.Path, store *registrystore.Store, composite *dispatch.Composite) (Result, error) {
	manifests, searchWarnings := discovery.Search(ctx, roots)

	plugins, reconcileWarnings := discovery.Reconcile(ctx, store, manifests)

	warnings := make([]error, 0, len(searchWarnings)+len(reconcileWarnings))
	warnings = append(warnings, searchWarnings...)
	warnings = append(warnings, reconcileWarnings...)

	if err := composite.Initialize(ctx); err != nil {
		return Result{Plugins: plugins, Warnings: warnings}, engineerrors.New(engineerrors.KindInternal, op+".Run", //nolint:exhaustruct
			fmt.Errorf("initializing runtime managers: %w", err))
	}

	return Result{Plugins: plugins, Warnings: warnings}, nil
}

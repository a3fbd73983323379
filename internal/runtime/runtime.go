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

// Package runtime defines the shared contract every language-specific
// runtime manager implements, and the value types that flow across it (spec
// §4.4 "Each runtime manager... implements {Initialize, Execute, Validate,
// CanExecute, Dispose}").
package runtime

import (
	"context"
	"time"

	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/resolver"
)

// ExecutionContext is the per-invocation value a Manager executes a plugin
// with.
type ExecutionContext struct {
	WorkingDir  fspath.Path
	Input       []byte
	Parameters  map[string]any
	Environment map[string]string
	Timeout     time.Duration
	MemoryCap   int64
	Correlation string
}

// ExecutionResult is the outcome of one plugin invocation.
type ExecutionResult struct {
	Success    bool
	Output     []byte
	ErrorCode  string
	ErrorMsg   string
	Logs       []string
	StartedAt  time.Time
	EndedAt    time.Time
	PeakMemory int64
	ExitCode   int
	Metadata   map[string]any
}

// Duration returns the wall-clock span of the execution.
func (r ExecutionResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ValidateResult is the outcome of checking whether a Manager can run a
// given plugin right now.
type ValidateResult struct {
	Executable      bool
	Reasons         []string
	RuntimeID       string
	Capabilities    []string
	MemoryEstimate  int64
	TimeoutEstimate time.Duration
	SupportsCancel  bool
}

// Manager is the contract every language-specific runtime implements (spec
// §4.4).
type Manager interface {
	// RuntimeID is the manager's stable identifier, e.g. "runtime-c".
	RuntimeID() string

	// Language is the single language this manager serves.
	Language() manifest.Language

	// Initialize probes toolchain availability. It never returns an error
	// for "toolchain missing" — that is recorded internally and surfaced
	// through CanExecute/Validate instead.
	Initialize(ctx context.Context) error

	// CanExecute reports whether this manager is presently able to run
	// plugin (toolchain available, dependencies resolvable in principle).
	CanExecute(plugin *manifest.Plugin) bool

	// Validate returns the capability record for plugin.
	Validate(plugin *manifest.Plugin) ValidateResult

	// Execute runs plugin with the given resolved dependencies and
	// execution context.
	Execute(ctx context.Context, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext, execCtx ExecutionContext) (ExecutionResult, error)

	// Dispose releases any resources held by the manager.
	Dispose(ctx context.Context) error
}

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

// Package execution implements the Execution Service: the
// end-to-end orchestration from a plugin id and input payload through
// lookup, re-validation, scratch directory lifecycle, and delegation to the
// Composite Dispatcher.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devflow-project/engine/internal/dispatch"
	"github.com/devflow-project/engine/internal/discovery"
	"github.com/devflow-project/engine/internal/econfig"
	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/registrystore"
	"github.com/devflow-project/engine/internal/resolver"
	"github.com/devflow-project/engine/internal/runtime"
	"github.com/devflow-project/engine/internal/security"
)

const op = "execution"

// Invocation is the caller-supplied request.
type Invocation struct {
	PluginID   manifest.PluginID
	Input      []byte
	Parameters map[string]any
	Timeout    time.Duration
	MemoryCap  int64
}

// Service is the Execution Service.
type Service struct {
	store     *registrystore.Store
	resolver  *resolver.Resolver
	composite *dispatch.Composite
	security  *security.Manager
	cfg       *econfig.Config

	sem chan struct{} // bounds concurrent executions
}

// New returns a Service wired to its collaborators. cfg.MaxConcurrentExecutions
// bounds how many executions run at once; 0 substitutes
// [econfig.DefaultMaxConcurrentExecutions].
func New(store *registrystore.Store, res *resolver.Resolver, composite *dispatch.Composite, secMgr *security.Manager, cfg *econfig.Config) *Service {
	limit := cfg.MaxConcurrentExecutions
	if limit <= 0 {
		limit = econfig.DefaultMaxConcurrentExecutions
	}

	return &Service{
		store:     store,
		resolver:  res,
		composite: composite,
		security:  secMgr,
		cfg:       cfg,
		sem:       make(chan struct{}, limit),
	}
}

// Execute runs a plugin invocation end to end: backpressure, lookup, drift
// revalidation, status gating, scratch-dir and security-context setup,
// dependency resolution, dispatch, and execution-count recording.
func (s *Service) Execute(ctx context.Context, inv Invocation) (runtime.ExecutionResult, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindCancelled, op+".Execute", ctx.Err()) //nolint:exhaustruct
	}

	plugin, err := s.store.Get(inv.PluginID)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindNotFound, op+".Execute", err) //nolint:exhaustruct
	}

	if err := s.revalidateIfDrifted(plugin); err != nil {
		return runtime.ExecutionResult{}, err //nolint:exhaustruct
	}

	if plugin.Status != manifest.StatusAvailable {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindValidation, op+".Execute", //nolint:exhaustruct
			fmt.Errorf("plugin %q is not available: status=%s last_error=%q", plugin.Name, plugin.Status, plugin.LastError))
	}

	scratchDir, err := security.CreateScratchDir(plugin.Name)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	policy := security.BuildPolicy(s.cfg, plugin, scratchDir)

	secCtx, err := s.security.Begin(policy, scratchDir)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	defer s.security.Release(secCtx)

	deps, err := s.resolver.Resolve(ctx, plugin)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindDependencyUnresolved, op+".Execute", err) //nolint:exhaustruct
	}

	execCtx := runtime.ExecutionContext{
		WorkingDir:  scratchDir,
		Input:       inv.Input,
		Parameters:  inv.Parameters,
		Environment: secCtx.FilteredEnv,
		Timeout:     s.cfg.ClampTimeout(inv.Timeout),
		MemoryCap:   s.cfg.ClampMemoryCap(inv.MemoryCap),
		Correlation: secCtx.ID,
	}

	result, err := s.composite.Execute(ctx, plugin, deps, execCtx)

	if recErr := s.store.RecordExecution(plugin.ID, time.Now()); recErr != nil {
		slog.Warn("failed to record plugin execution", "plugin", plugin.Name, "err", recErr)
	}

	return result, err
}

// revalidateIfDrifted re-hashes the plugin directory and, if it differs
// from the stored hash, re-runs validation and persists the updated
// status/hash.
func (s *Service) revalidateIfDrifted(plugin *manifest.Plugin) error {
	hash, err := discovery.SourceHash(plugin.Root)
	if err != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".revalidateIfDrifted", err)
	}

	if hash == plugin.SourceHash {
		return nil
	}

	validateErr := discovery.Validate(plugin)

	status := manifest.StatusAvailable

	lastErr := ""
	if validateErr != nil {
		status = manifest.StatusError
		lastErr = validateErr.Error()
	}

	if err := s.store.SetStatus(plugin.ID, status, lastErr); err != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".revalidateIfDrifted", err)
	}

	if err := s.store.UpdateSourceHash(plugin.ID, plugin.SourceHash); err != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".revalidateIfDrifted", err)
	}

	plugin.Status = status
	plugin.LastError = lastErr

	return nil
}

// CapabilityRecord is the outcome of [Service.GetPluginCapabilities] (spec
// §4.6 "Capability query").
type CapabilityRecord struct {
	Executable      bool
	Reasons         []string
	Language        manifest.Language
	RuntimeID       string
	Capabilities    []string
	MemoryEstimate  int64
	TimeoutEstimate time.Duration
	SupportsCancel  bool
}

// GetPluginCapabilities reports whether a registered plugin can run right
// now and what it is capable of.
func (s *Service) GetPluginCapabilities(id manifest.PluginID) (CapabilityRecord, error) {
	plugin, err := s.store.Get(id)
	if err != nil {
		return CapabilityRecord{}, engineerrors.New(engineerrors.KindNotFound, op+".GetPluginCapabilities", err) //nolint:exhaustruct
	}

	result := s.composite.Validate(plugin)

	record := CapabilityRecord{
		Executable:      result.Executable,
		Reasons:         result.Reasons,
		Language:        plugin.Language,
		RuntimeID:       result.RuntimeID,
		Capabilities:    result.Capabilities,
		MemoryEstimate:  result.MemoryEstimate,
		TimeoutEstimate: result.TimeoutEstimate,
		SupportsCancel:  result.SupportsCancel,
	}

	if record.MemoryEstimate == 0 {
		record.MemoryEstimate = econfig.DefaultMemoryCapBytes
	}

	if record.TimeoutEstimate == 0 {
		record.TimeoutEstimate = econfig.DefaultExecutionTimeout
	}

	return record, nil
}

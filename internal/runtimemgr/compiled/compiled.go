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

// Package compiled implements Runtime-C, the manager for the compiled/JIT
// plugin language. It shells out to the language's build CLI as a
// subprocess rather than loading a compiler API in process.
package compiled

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/devflow-project/engine/internal/econfig"
	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/resolver"
	"github.com/devflow-project/engine/internal/runtime"
	"github.com/devflow-project/engine/internal/runtimemgr/rtutil"
)

const (
	op        = "runtimemgr.compiled"
	runtimeID = "runtime-c"

	// cliName is the compiled language's build tool, discovered on PATH.
	cliName = "cplc"
)

// ArtifactRecord is a CompiledArtifactRecord: the durable record of
// one compiled plugin build.
type ArtifactRecord struct {
	PluginID     manifest.PluginID
	ArtifactPath fspath.Path
	CacheKey     string
	CompiledAt   time.Time
}

// Manager is Runtime-C.
type Manager struct {
	cacheRoot fspath.Path

	mu        sync.Mutex
	available bool
	cliPath   string

	artifactMu sync.Mutex
	artifacts  map[string]*ArtifactRecord

	// compileLocks serializes concurrent compiles that share a cache key
	//.
	compileLocks map[string]*sync.Mutex
	locksMu      sync.Mutex
}

// New returns a Manager rooted at cacheRoot for the compiled artifact cache.
func New(cacheRoot fspath.Path) *Manager {
	return &Manager{
		cacheRoot:    cacheRoot,
		artifacts:    make(map[string]*ArtifactRecord),
		compileLocks: make(map[string]*sync.Mutex),
	}
}

// RuntimeID implements [runtime.Manager].
func (m *Manager) RuntimeID() string { return runtimeID }

// Language implements [runtime.Manager].
func (m *Manager) Language() manifest.Language { return manifest.LanguageCompiled }

// Initialize probes the build CLI on PATH and sweeps stale build artifacts
//. A missing
// toolchain does not fail Initialize; it is recorded as unavailable.
func (m *Manager) Initialize(ctx context.Context) error {
	path, err := exec.LookPath(cliName)

	m.mu.Lock()
	m.available = err == nil
	m.cliPath = path
	m.mu.Unlock()

	if err := m.sweepStaleArtifacts(); err != nil {
		return engineerrors.New(engineerrors.KindInternal, op+".Initialize", err)
	}

	return nil
}

// sweepStaleArtifacts deletes build directories under cacheRoot older than
// [econfig.BuildArtifactMaxAge].
func (m *Manager) sweepStaleArtifacts() error {
	entries, err := m.cacheRoot.ReadDir()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("compiled: scanning artifact cache: %w", err)
	}

	cutoff := time.Now().Add(-econfig.BuildArtifactMaxAge)

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			_ = os.RemoveAll(m.cacheRoot.Join(entry.Name()).String())
		}
	}

	return nil
}

// CanExecute implements [runtime.Manager].
func (m *Manager) CanExecute(plugin *manifest.Plugin) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.available && plugin.Language == manifest.LanguageCompiled
}

// Validate implements [runtime.Manager].
func (m *Manager) Validate(plugin *manifest.Plugin) runtime.ValidateResult {
	if plugin.Language != manifest.LanguageCompiled {
		return runtime.ValidateResult{Executable: false, Reasons: []string{"plugin language is not compiled"}} //nolint:exhaustruct
	}

	m.mu.Lock()
	available := m.available
	m.mu.Unlock()

	if !available {
		return runtime.ValidateResult{ //nolint:exhaustruct
			Executable: false,
			Reasons:    []string{fmt.Sprintf("build tool %q not found on PATH", cliName)},
		}
	}

	return runtime.ValidateResult{
		Executable:      true,
		RuntimeID:       runtimeID,
		Capabilities:    plugin.Capabilities,
		MemoryEstimate:  econfig.DefaultMemoryCapBytes,
		TimeoutEstimate: econfig.DefaultExecutionTimeout,
		SupportsCancel:  true,
		Reasons:         nil,
	}
}

// cacheKey hashes {pluginId, declared version, source hash}, where the
// source hash covers every file under the plugin root.
func cacheKey(plugin *manifest.Plugin) string {
	h := sha256.New()
	h.Write([]byte(plugin.ID))
	h.Write([]byte{0})

	if plugin.Version != nil {
		h.Write([]byte(plugin.Version.String()))
	}

	h.Write([]byte{0})
	h.Write([]byte(plugin.SourceHash))

	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.compileLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.compileLocks[key] = l
	}

	return l
}

// ensureCompiled runs the compile flow if the
// cache has no record for plugin's current cache key, and returns the
// resulting artifact record.
func (m *Manager) ensureCompiled(ctx context.Context, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext) (*ArtifactRecord, error) {
	key := cacheKey(plugin)

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m.artifactMu.Lock()
	if rec, ok := m.artifacts[key]; ok {
		m.artifactMu.Unlock()

		return rec, nil
	}
	m.artifactMu.Unlock()

	buildDir, err := os.MkdirTemp("", "devflow-compile-")
	if err != nil {
		return nil, fmt.Errorf("compiled: creating build dir: %w", err)
	}

	defer os.RemoveAll(buildDir)

	if err := rtutil.CopyTree(plugin.Root.String(), buildDir); err != nil {
		return nil, fmt.Errorf("compiled: copying plugin source: %w", err)
	}

	if err := writeProjectDescriptor(buildDir, plugin, deps); err != nil {
		return nil, fmt.Errorf("compiled: writing project descriptor: %w", err)
	}

	m.mu.Lock()
	cli := m.cliPath
	m.mu.Unlock()

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, cli, "build", ".") //nolint:gosec // cliName is a fixed constant, buildDir is our own temp dir
	cmd.Dir = buildDir
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, engineerrors.New(engineerrors.KindCompilationFailed, op+".ensureCompiled",
			fmt.Errorf("build failed: %w: %s", err, stderr.String()))
	}

	builtArtifact := filepath.Join(buildDir, "plugin.out")

	if _, err := os.Stat(builtArtifact); err != nil {
		return nil, engineerrors.New(engineerrors.KindCompilationFailed, op+".ensureCompiled",
			fmt.Errorf("expected build artifact missing: %w", err))
	}

	destDir := m.cacheRoot.Join(key)
	if err := destDir.MkdirAll(0o755); err != nil {
		return nil, fmt.Errorf("compiled: creating artifact cache dir: %w", err)
	}

	dest := destDir.Join("plugin.out")

	if err := rtutil.CopyFile(builtArtifact, dest.String()); err != nil {
		return nil, fmt.Errorf("compiled: copying artifact into cache: %w", err)
	}

	rec := &ArtifactRecord{
		PluginID:     plugin.ID,
		ArtifactPath: dest,
		CacheKey:     key,
		CompiledAt:   time.Now(),
	}

	m.artifactMu.Lock()
	m.artifacts[key] = rec
	m.artifactMu.Unlock()

	return rec, nil
}

// projectDescriptor is the minimal project file Runtime-C synthesizes so the
// build CLI can see resolved packages and file references.
type projectDescriptor struct {
	Name       string            `json:"name"`
	EntryPoint string            `json:"entryPoint"`
	Packages   map[string]string `json:"packages"`
	FileRefs   []string          `json:"fileReferences"`
}

func writeProjectDescriptor(buildDir string, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext) error {
	desc := projectDescriptor{ //nolint:exhaustruct
		Name:       plugin.Name,
		EntryPoint: plugin.EntryPoint,
		Packages:   make(map[string]string),
	}

	if deps != nil {
		for _, pkg := range deps.Packages {
			desc.Packages[pkg.Name] = pkg.Version
		}

		for _, f := range deps.Files {
			desc.FileRefs = append(desc.FileRefs, f.Path.String())
		}
	}

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling project descriptor: %w", err)
	}

	return os.WriteFile(filepath.Join(buildDir, "devflow.project.json"), data, 0o644) //nolint:gosec,mnd
}

// Execute implements [runtime.Manager]. It invokes the compiled artifact as
// a subprocess, passing the execution payload as a single base64-JSON
// argument, with a one-shot call/response rather than a long-lived session,
// since the compiled artifact here is a short-lived build output rather
// than a persistent server.
func (m *Manager) Execute(ctx context.Context, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext, execCtx runtime.ExecutionContext) (runtime.ExecutionResult, error) {
	rec, err := m.ensureCompiled(ctx, plugin, deps)
	if err != nil {
		return runtime.ExecutionResult{}, err //nolint:exhaustruct
	}

	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, execCtx.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, rec.ArtifactPath.String()) //nolint:gosec // artifact path is our own cache output
	cmd.Dir = execCtx.WorkingDir.String()
	cmd.Env = rtutil.EnvSlice(execCtx.Environment)

	payload, err := encodePayload(execCtx)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	cmd.Args = append(cmd.Args, payload)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	end := time.Now()

	result := runtime.ExecutionResult{
		StartedAt: start,
		EndedAt:   end,
		Logs:      rtutil.SplitLines(stderr.String()),
		Metadata:  map[string]any{"cacheKey": rec.CacheKey},
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		if runCtx.Err() != nil {
			return result, engineerrors.New(engineerrors.KindTimeout, op+".Execute", runCtx.Err())
		}

		result.Success = false
		result.ErrorCode = string(engineerrors.KindExecutionFailed)
		result.ErrorMsg = fmt.Sprintf("plugin exited with error: %v: %s", runErr, stderr.String())

		return result, nil
	}

	result.Success = true
	result.Output = stdout.Bytes()

	return result, nil
}

// Dispose implements [runtime.Manager].
func (m *Manager) Dispose(ctx context.Context) error {
	return nil
}

func encodePayload(execCtx runtime.ExecutionContext) (string, error) {
	payload := map[string]any{
		"input":            string(execCtx.Input),
		"workingDirectory": execCtx.WorkingDir.String(),
		"environment":      execCtx.Environment,
		"parameters":       execCtx.Parameters,
		"correlation":      execCtx.Correlation,
		"timeoutSeconds":   execCtx.Timeout.Seconds(),
		"memoryCap":        execCtx.MemoryCap,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling execution payload: %w", err)
	}

	return rtutil.EncodeBase64(data), nil
}

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

// Package transpiled implements Runtime-T, the manager for the transpiled
// plugin language: an interpreter plus a package manager, a
// per-plugin cached environment, and a generated wrapper script invoked as
// a subprocess.
package transpiled

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
	op        = "runtimemgr.transpiled"
	runtimeID = "runtime-t"

	interpreterName    = "node"
	packageManagerName = "npm"

	lockFileName    = ".devflow.lock"
	descriptorName  = "package.json"
	lockFileOptName = "package-lock.json"
)

// Manager is Runtime-T.
type Manager struct {
	cacheRoot fspath.Path

	mu                 sync.Mutex
	available          bool
	interpreterPath    string
	packageManagerPath string

	setupLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New returns a Manager caching per-plugin environments under cacheRoot.
func New(cacheRoot fspath.Path) *Manager {
	return &Manager{cacheRoot: cacheRoot, setupLocks: make(map[string]*sync.Mutex)}
}

// RuntimeID implements [runtime.Manager].
func (m *Manager) RuntimeID() string { return runtimeID }

// Language implements [runtime.Manager].
func (m *Manager) Language() manifest.Language { return manifest.LanguageTranspiled }

// Initialize locates the interpreter and package manager on PATH and version
// probes both.
func (m *Manager) Initialize(ctx context.Context) error {
	interpreterPath, err1 := exec.LookPath(interpreterName)
	pmPath, err2 := exec.LookPath(packageManagerName)

	available := err1 == nil && err2 == nil

	if available {
		if err := exec.CommandContext(ctx, interpreterPath, "--version").Run(); err != nil { //nolint:gosec
			available = false
		}

		if err := exec.CommandContext(ctx, pmPath, "--version").Run(); err != nil { //nolint:gosec
			available = false
		}
	}

	m.mu.Lock()
	m.available = available
	m.interpreterPath = interpreterPath
	m.packageManagerPath = pmPath
	m.mu.Unlock()

	return nil
}

// CanExecute implements [runtime.Manager].
func (m *Manager) CanExecute(plugin *manifest.Plugin) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.available && plugin.Language == manifest.LanguageTranspiled
}

// Validate implements [runtime.Manager].
func (m *Manager) Validate(plugin *manifest.Plugin) runtime.ValidateResult {
	if plugin.Language != manifest.LanguageTranspiled {
		return runtime.ValidateResult{Executable: false, Reasons: []string{"plugin language is not transpiled"}} //nolint:exhaustruct
	}

	m.mu.Lock()
	available := m.available
	m.mu.Unlock()

	if !available {
		return runtime.ValidateResult{ //nolint:exhaustruct
			Executable: false,
			Reasons:    []string{fmt.Sprintf("%s/%s not found on PATH", interpreterName, packageManagerName)},
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

// envKey names the per-plugin cached environment directory
// "{pluginId}-{depHash}".
func envKey(plugin *manifest.Plugin) string {
	return string(plugin.ID) + "-" + depHash(plugin)
}

// depHash hashes the manifest-lock pair: the descriptor file plus the
// lockfile, if present.
func depHash(plugin *manifest.Plugin) string {
	h := sha256.New()

	if data, err := plugin.Root.Join(descriptorName).ReadFile(); err == nil {
		h.Write(data)
	}

	h.Write([]byte{0})

	if data, err := plugin.Root.Join(lockFileOptName).ReadFile(); err == nil {
		h.Write(data)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.setupLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.setupLocks[key] = l
	}

	return l
}

// ensureEnv implements the setup flow: if the cached
// environment has no `.devflow.lock` marker, it copies the descriptor (and
// lockfile if present) and runs `install`.
func (m *Manager) ensureEnv(ctx context.Context, plugin *manifest.Plugin) (fspath.Path, error) {
	key := envKey(plugin)
	envDir := m.cacheRoot.Join(key)

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	marker := envDir.Join(lockFileName)
	if ok, _ := marker.IsFile(); ok {
		return envDir, nil
	}

	if err := envDir.MkdirAll(0o755); err != nil {
		return "", fmt.Errorf("transpiled: creating env dir: %w", err)
	}

	if err := rtutil.CopyFile(plugin.Root.Join(descriptorName).String(), envDir.Join(descriptorName).String()); err != nil {
		return "", fmt.Errorf("transpiled: copying descriptor: %w", err)
	}

	if ok, _ := plugin.Root.Join(lockFileOptName).IsFile(); ok {
		if err := rtutil.CopyFile(plugin.Root.Join(lockFileOptName).String(), envDir.Join(lockFileOptName).String()); err != nil {
			return "", fmt.Errorf("transpiled: copying lockfile: %w", err)
		}
	}

	m.mu.Lock()
	pm := m.packageManagerPath
	m.mu.Unlock()

	installCmd := exec.CommandContext(ctx, pm, "install") //nolint:gosec
	installCmd.Dir = envDir.String()

	var stderr bytes.Buffer

	installCmd.Stderr = &stderr

	if err := installCmd.Run(); err != nil {
		return "", engineerrors.New(engineerrors.KindDependencyUnresolved, op+".ensureEnv",
			fmt.Errorf("install failed: %w: %s", err, stderr.String()))
	}

	f, err := marker.OpenFile(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:mnd
	if err != nil {
		return "", fmt.Errorf("transpiled: writing lock marker: %w", err)
	}

	_ = f.Close()

	return envDir, nil
}

// Execute implements [runtime.Manager]: copy latest
// source into the cached environment, transpile, then run the generated
// wrapper script under the interpreter.
func (m *Manager) Execute(ctx context.Context, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext, execCtx runtime.ExecutionContext) (runtime.ExecutionResult, error) {
	envDir, err := m.ensureEnv(ctx, plugin)
	if err != nil {
		return runtime.ExecutionResult{}, err //nolint:exhaustruct
	}

	start := time.Now()

	if err := rtutil.CopyTree(plugin.Root.String(), envDir.String()); err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	var setupLogs []string

	entryCompiled := filepath.Join(envDir.String(), buildOutputName(plugin.EntryPoint))
	if _, statErr := os.Stat(entryCompiled); statErr != nil {
		m.mu.Lock()
		interp := m.interpreterPath
		m.mu.Unlock()

		buildCmd := exec.CommandContext(ctx, interp, "--build", plugin.EntryPoint) //nolint:gosec
		buildCmd.Dir = envDir.String()

		var buildOut bytes.Buffer

		buildCmd.Stdout = &buildOut
		buildCmd.Stderr = &buildOut

		if err := buildCmd.Run(); err != nil {
			return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindCompilationFailed, op+".Execute", //nolint:exhaustruct
				fmt.Errorf("transpile failed: %w: %s", err, buildOut.String()))
		}

		setupLogs = rtutil.SplitLines(buildOut.String())
	}

	wrapperPath, err := writeWrapperScript(envDir.String(), buildOutputName(plugin.EntryPoint))
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	payload, err := encodePayload(execCtx)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	runCtx, cancel := context.WithTimeout(ctx, execCtx.Timeout)
	defer cancel()

	m.mu.Lock()
	interp := m.interpreterPath
	m.mu.Unlock()

	cmd := exec.CommandContext(runCtx, interp, wrapperPath, payload) //nolint:gosec
	cmd.Dir = envDir.String()
	cmd.Env = rtutil.EnvSlice(execCtx.Environment)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	end := time.Now()

	result := runtime.ExecutionResult{
		StartedAt: start,
		EndedAt:   end,
		Logs:      append(setupLogs, rtutil.SplitLines(stderr.String())...),
	}

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		if runCtx.Err() != nil {
			return result, engineerrors.New(engineerrors.KindTimeout, op+".Execute", runCtx.Err())
		}

		result.ErrorCode = string(engineerrors.KindExecutionFailed)
		result.ErrorMsg = fmt.Sprintf("wrapper script failed: %v: %s", runErr, stderr.String())

		return result, nil
	}

	result.Success = true
	result.Output = parseOutput(stdout.Bytes())

	return result, nil
}

// Dispose implements [runtime.Manager].
func (m *Manager) Dispose(ctx context.Context) error {
	return nil
}

func buildOutputName(entryPoint string) string {
	return entryPoint[:len(entryPoint)-len(filepath.Ext(entryPoint))] + ".js"
}

// writeWrapperScript writes the small Node wrapper that loads the
// transpiled entry point, calls its exported `execute`, and prints the
// result as JSON.
func writeWrapperScript(envDir, compiledEntry string) (string, error) {
	const wrapperTemplate = `
const mod = require('./%s');
const payload = JSON.parse(Buffer.from(process.argv[2], 'base64').toString('utf8'));
Promise.resolve(mod.execute(payload)).then((result) => {
  process.stdout.write(JSON.stringify(result));
}).catch((err) => {
  process.stderr.write(String(err && err.stack || err));
  process.exit(1);
});
`
	path := filepath.Join(envDir, "devflow_wrapper.js")
	script := fmt.Sprintf(wrapperTemplate, compiledEntry)

	if err := os.WriteFile(path, []byte(script), 0o644); err != nil { //nolint:gosec,mnd
		return "", fmt.Errorf("writing wrapper script: %w", err)
	}

	return path, nil
}

func encodePayload(execCtx runtime.ExecutionContext) (string, error) {
	payload := map[string]any{
		"input":            string(execCtx.Input),
		"workingDirectory": execCtx.WorkingDir.String(),
		"environment":      execCtx.Environment,
		"parameters":       execCtx.Parameters,
		"correlation":      execCtx.Correlation,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling execution payload: %w", err)
	}

	return rtutil.EncodeBase64(data), nil
}

// parseOutput trims stdout and attempts a JSON round-trip purely to
// validate it is well-formed; the trimmed bytes are returned whether or not
// they parse.
func parseOutput(stdout []byte) []byte {
	trimmed := bytes.TrimSpace(stdout)

	var probe any
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return trimmed
	}

	return trimmed
}

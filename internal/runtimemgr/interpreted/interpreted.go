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

// Package interpreted implements Runtime-I, the manager for the interpreted
// plugin language: a probed interpreter, a per-plugin virtual
// environment, and a generated wrapper script invoked as a subprocess.
package interpreted

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
	op        = "runtimemgr.interpreted"
	runtimeID = "runtime-i"

	lockFileName   = ".devflow.lock"
	dependencyFile = "requirements.txt"
	venvDirName    = ".venv"
)

// candidateInterpreters are probed in order; the first found on PATH is
// used.
var candidateInterpreters = []string{"python3", "python"} //nolint:gochecknoglobals // static probe order

// Manager is Runtime-I.
type Manager struct {
	cacheRoot fspath.Path

	mu              sync.Mutex
	available       bool
	interpreterPath string

	setupLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New returns a Manager caching per-plugin virtual environments under
// cacheRoot.
func New(cacheRoot fspath.Path) *Manager {
	return &Manager{cacheRoot: cacheRoot, setupLocks: make(map[string]*sync.Mutex)}
}

// RuntimeID implements [runtime.Manager].
func (m *Manager) RuntimeID() string { return runtimeID }

// Language implements [runtime.Manager].
func (m *Manager) Language() manifest.Language { return manifest.LanguageInterpreted }

// Initialize probes candidate interpreter names on PATH.
func (m *Manager) Initialize(ctx context.Context) error {
	var found string

	for _, name := range candidateInterpreters {
		if path, err := exec.LookPath(name); err == nil {
			found = path

			break
		}
	}

	m.mu.Lock()
	m.available = found != ""
	m.interpreterPath = found
	m.mu.Unlock()

	return nil
}

// CanExecute implements [runtime.Manager].
func (m *Manager) CanExecute(plugin *manifest.Plugin) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.available && plugin.Language == manifest.LanguageInterpreted
}

// Validate implements [runtime.Manager].
func (m *Manager) Validate(plugin *manifest.Plugin) runtime.ValidateResult {
	if plugin.Language != manifest.LanguageInterpreted {
		return runtime.ValidateResult{Executable: false, Reasons: []string{"plugin language is not interpreted"}} //nolint:exhaustruct
	}

	m.mu.Lock()
	available := m.available
	m.mu.Unlock()

	if !available {
		return runtime.ValidateResult{Executable: false, Reasons: []string{"no candidate interpreter found on PATH"}} //nolint:exhaustruct
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
// "{pluginId}-{depHash}" where depHash is over the dependency declaration
// file.
func envKey(plugin *manifest.Plugin) string {
	h := sha256.New()

	if data, err := plugin.Root.Join(dependencyFile).ReadFile(); err == nil {
		h.Write(data)
	}

	return string(plugin.ID) + "-" + hex.EncodeToString(h.Sum(nil))
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

// ensureEnv implements the setup flow: create a
// virtualenv and install declared dependencies if no `.devflow.lock`
// marker is present.
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
		return "", fmt.Errorf("interpreted: creating env dir: %w", err)
	}

	m.mu.Lock()
	interp := m.interpreterPath
	m.mu.Unlock()

	venvCmd := exec.CommandContext(ctx, interp, "-m", "venv", venvDirName) //nolint:gosec
	venvCmd.Dir = envDir.String()

	var stderr bytes.Buffer

	venvCmd.Stderr = &stderr

	if err := venvCmd.Run(); err != nil {
		return "", engineerrors.New(engineerrors.KindDependencyUnresolved, op+".ensureEnv",
			fmt.Errorf("venv creation failed: %w: %s", err, stderr.String()))
	}

	if ok, _ := plugin.Root.Join(dependencyFile).IsFile(); ok {
		if err := rtutil.CopyFile(plugin.Root.Join(dependencyFile).String(), envDir.Join(dependencyFile).String()); err != nil {
			return "", fmt.Errorf("interpreted: copying dependency file: %w", err)
		}

		pip := filepath.Join(envDir.String(), venvDirName, "bin", "pip")

		installCmd := exec.CommandContext(ctx, pip, "install", "-r", dependencyFile) //nolint:gosec
		installCmd.Dir = envDir.String()

		var installErr bytes.Buffer

		installCmd.Stderr = &installErr

		if err := installCmd.Run(); err != nil {
			return "", engineerrors.New(engineerrors.KindDependencyUnresolved, op+".ensureEnv",
				fmt.Errorf("dependency install failed: %w: %s", err, installErr.String()))
		}
	}

	f, err := marker.OpenFile(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:mnd
	if err != nil {
		return "", fmt.Errorf("interpreted: writing lock marker: %w", err)
	}

	_ = f.Close()

	return envDir, nil
}

// Execute implements [runtime.Manager].
func (m *Manager) Execute(ctx context.Context, plugin *manifest.Plugin, deps *resolver.ResolvedDependencyContext, execCtx runtime.ExecutionContext) (runtime.ExecutionResult, error) {
	envDir, err := m.ensureEnv(ctx, plugin)
	if err != nil {
		return runtime.ExecutionResult{}, err //nolint:exhaustruct
	}

	start := time.Now()

	if err := rtutil.CopyTree(plugin.Root.String(), envDir.String()); err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	wrapperPath, err := writeWrapperScript(envDir.String(), plugin.EntryPoint)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	payload, err := encodePayload(execCtx)
	if err != nil {
		return runtime.ExecutionResult{}, engineerrors.New(engineerrors.KindInternal, op+".Execute", err) //nolint:exhaustruct
	}

	runCtx, cancel := context.WithTimeout(ctx, execCtx.Timeout)
	defer cancel()

	venvPython := filepath.Join(envDir.String(), venvDirName, "bin", "python")

	cmd := exec.CommandContext(runCtx, venvPython, wrapperPath, payload) //nolint:gosec
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
		Logs:      rtutil.SplitLines(stderr.String()),
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
	result.Output = bytes.TrimSpace(stdout.Bytes())

	return result, nil
}

// Dispose implements [runtime.Manager].
func (m *Manager) Dispose(ctx context.Context) error {
	return nil
}

// writeWrapperScript writes the small Python wrapper that loads the entry
// point module, finds a class or function named like "Plugin"/"execute",
// runs it (awaiting it if it is a coroutine), and prints the JSON result.
func writeWrapperScript(envDir, entryPoint string) (string, error) {
	const wrapperTemplate = `
import sys, json, base64, inspect, asyncio, importlib.util

sys.path.insert(0, ".")
spec = importlib.util.spec_from_file_location("plugin_entry", %q)
module = importlib.util.module_from_spec(spec)
spec.loader.exec_module(module)

payload = json.loads(base64.b64decode(sys.argv[1]).decode("utf-8"))

target = None
for name in dir(module):
    obj = getattr(module, name)
    if inspect.isclass(obj) and "Plugin" in name:
        instance = obj()
        if hasattr(instance, "execute_async"):
            target = instance.execute_async
        elif hasattr(instance, "execute"):
            target = instance.execute
        break

if target is None:
    for name in ("execute_async", "execute"):
        if hasattr(module, name):
            target = getattr(module, name)
            break

try:
    if target is None:
        raise RuntimeError("no plugin entry point found")

    if inspect.iscoroutinefunction(target):
        result = asyncio.run(target(payload))
    else:
        result = target(payload)

    sys.stdout.write(json.dumps(result))
except Exception as exc:  # noqa: BLE001
    sys.stderr.write(json.dumps({"error": str(exc)}))
    sys.exit(1)
`
	path := filepath.Join(envDir, "devflow_wrapper.py")
	script := fmt.Sprintf(wrapperTemplate, entryPoint)

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

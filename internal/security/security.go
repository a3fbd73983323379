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

// Package security implements the Security Manager: per-execution policy
// construction, scratch working directory lifecycle, child process resource
// monitoring, and static risk assessment.
package security

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/devflow-project/engine/internal/econfig"
	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
)

const op = "security"

// Policy is the per-execution security policy built from host configuration
// and plugin context.
type Policy struct {
	AllowedPaths            []fspath.Path
	NetworkAllowed          bool
	AllowedEnvVars          []string
	RestrictedModules       []string
	TimeoutCap              time.Duration
	MemoryCapBytes          int64
	ReflectionAllowed       bool
	FileIOAllowed           bool
	ProcessExecutionAllowed bool
	RegistryAccessAllowed   bool
}

// BuildPolicy constructs the policy for one execution of plugin, rooted in
// the host configuration's defaults with the plugin's own root and the
// scratch directory always included among allowed paths.
func BuildPolicy(cfg *econfig.Config, plugin *manifest.Plugin, scratchDir fspath.Path) Policy {
	return Policy{
		AllowedPaths:            []fspath.Path{plugin.Root, scratchDir, fspath.Path(os.TempDir())},
		NetworkAllowed:          false,
		AllowedEnvVars:          append([]string(nil), cfg.AllowedEnvVars...),
		RestrictedModules:       []string{},
		TimeoutCap:              cfg.ClampTimeout(0),
		MemoryCapBytes:          cfg.ClampMemoryCap(0),
		ReflectionAllowed:       false,
		FileIOAllowed:           true,
		ProcessExecutionAllowed: false,
		RegistryAccessAllowed:   false,
	}
}

// Context is a running or completed execution's security bookkeeping record
//.
type Context struct {
	ID              string
	Policy          Policy
	ScratchDir      fspath.Path
	FilteredEnv     map[string]string
	PeakMemoryBytes int64
	Duration        time.Duration
}

// Manager owns scratch directory lifecycle, the active-context map, and
// resource monitoring for running plugin executions.
type Manager struct {
	mu     sync.Mutex
	active map[string]*Context
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{active: make(map[string]*Context)}
}

// CreateScratchDir creates a scratch working directory under system temp,
// named `devflow-plugin-{sanitized-name}-{8-hex}`. Permissions are
// restricted to the owner where the platform honors that (0700).
func CreateScratchDir(pluginName string) (fspath.Path, error) {
	suffix, err := uuid.GenerateUUID()
	if err != nil {
		return "", engineerrors.New(engineerrors.KindInternal, op+".CreateScratchDir", err)
	}

	sanitized := sanitizeName(pluginName)
	dir := fspath.Path(os.TempDir()).Join(fmt.Sprintf("devflow-plugin-%s-%s", sanitized, suffix[:8]))

	if err := dir.MkdirAll(0o700); err != nil {
		return "", engineerrors.New(engineerrors.KindInternal, op+".CreateScratchDir", err)
	}

	return dir, nil
}

// sanitizeName replaces characters unsafe for a single path component.
func sanitizeName(name string) string {
	var b strings.Builder

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	return b.String()
}

// FilterEnv returns the subset of the host environment permitted by policy:
// keys in policy.AllowedEnvVars (case-insensitive) plus the always-added
// safe-system list.
func FilterEnv(policy Policy) map[string]string {
	allowed := make(map[string]bool, len(policy.AllowedEnvVars)+len(econfig.SafeSystemEnvVars()))

	for _, name := range policy.AllowedEnvVars {
		allowed[strings.ToUpper(name)] = true
	}

	for _, name := range econfig.SafeSystemEnvVars() {
		allowed[strings.ToUpper(name)] = true
	}

	out := make(map[string]string)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}

		if allowed[strings.ToUpper(key)] {
			out[key] = value
		}
	}

	return out
}

// Begin creates and registers a new active Context for one execution.
func (m *Manager) Begin(policy Policy, scratchDir fspath.Path) (*Context, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, engineerrors.New(engineerrors.KindInternal, op+".Begin", err)
	}

	secCtx := &Context{
		ID:          id,
		Policy:      policy,
		ScratchDir:  scratchDir,
		FilteredEnv: FilterEnv(policy),
	}

	m.mu.Lock()
	m.active[id] = secCtx
	m.mu.Unlock()

	return secCtx, nil
}

// Release removes secCtx from the active map and best-effort deletes its
// scratch directory after a short delay, to let lingering file handles
// close.
func (m *Manager) Release(secCtx *Context) {
	m.mu.Lock()
	delete(m.active, secCtx.ID)
	m.mu.Unlock()

	go func() {
		time.Sleep(50 * time.Millisecond)

		if err := os.RemoveAll(secCtx.ScratchDir.String()); err != nil {
			// Best effort: scratch cleanup failures are warnings, never
			// failures of the invocation.
			_ = err
		}
	}()
}

// Active returns the currently active contexts, for diagnostics.
func (m *Manager) Active() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Context, 0, len(m.active))
	for _, c := range m.active {
		out = append(out, c)
	}

	return out
}

// MonitorResult is the outcome of monitoring a running execution.
type MonitorResult struct {
	PeakMemoryBytes int64
	Duration        time.Duration
	Exceeded        engineerrors.Kind // KindMemoryExceeded, KindTimeout, or "" on normal completion
}

// Monitor samples sampleMemory every 100ms for the
// lifetime of done, enforcing policy's memory cap and wall-time cap. When a
// cap is exceeded it calls terminate exactly once and returns with Exceeded
// set; sampleMemory returning an error is treated as a zero sample, since
// memory polling reads host process totals and is an approximation only.
func Monitor(
	ctx context.Context,
	policy Policy,
	done <-chan struct{},
	sampleMemory func() (int64, error),
	terminate func(),
) MonitorResult {
	start := time.Now()
	ticker := time.NewTicker(econfig.MonitorPollInterval)

	defer ticker.Stop()

	var peak int64

	for {
		select {
		case <-done:
			return MonitorResult{PeakMemoryBytes: peak, Duration: time.Since(start)}

		case <-ctx.Done():
			terminate()

			return MonitorResult{PeakMemoryBytes: peak, Duration: time.Since(start), Exceeded: engineerrors.KindCancelled}

		case now := <-ticker.C:
			if sample, err := sampleMemory(); err == nil && sample > peak {
				peak = sample
			}

			if peak > policy.MemoryCapBytes {
				terminate()

				return MonitorResult{PeakMemoryBytes: peak, Duration: now.Sub(start), Exceeded: engineerrors.KindMemoryExceeded}
			}

			if now.Sub(start) > policy.TimeoutCap {
				terminate()

				return MonitorResult{PeakMemoryBytes: peak, Duration: now.Sub(start), Exceeded: engineerrors.KindTimeout}
			}
		}
	}
}

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

// Package econfig implements the engine's host configuration: plugin search
// roots, the dependency cache root, default resource caps, concurrency
// caps, the environment variable allow-list, and the vulnerable-package
// list the Security Manager consults.
//
// A TOML document is unmarshaled into a generic map, then decoded into the
// typed [Config] with mapstructure so unknown keys are not silently
// accepted as typos.
package econfig

import (
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/devflow-project/engine/internal/fspath"
)

const (
	// DefaultExecutionTimeout is the timeout applied to an ExecutionContext
	// when the caller specifies none.
	DefaultExecutionTimeout = 5 * time.Minute

	// DefaultMemoryCapBytes is the memory cap applied to an ExecutionContext
	// when the caller specifies none.
	DefaultMemoryCapBytes = 256 * 1024 * 1024

	// MinExecutionTimeout and MaxExecutionTimeout bound the accepted range
	// for an explicit caller-supplied timeout.
	MinExecutionTimeout = time.Second
	MaxExecutionTimeout = time.Hour

	// MinMemoryCapBytes and MaxMemoryCapBytes bound the accepted range for an
	// explicit caller-supplied memory cap.
	MinMemoryCapBytes = 1
	MaxMemoryCapBytes  = 8 * 1024 * 1024 * 1024

	// DefaultMaxConcurrentExecutions is the backpressure cap applied when
	// the host configuration does not override it.
	DefaultMaxConcurrentExecutions = 16

	// MonitorPollInterval is the Security Manager's memory-sampling interval
	//.
	MonitorPollInterval = 100 * time.Millisecond

	// BuildArtifactMaxAge is how long Runtime-C keeps a stale compiled
	// artifact before its GC sweep removes it.
	BuildArtifactMaxAge = time.Hour
)

// safeSystemEnvVars is always added to the filtered execution environment
// when present in the host environment, regardless of the configured
// allow-list.
var safeSystemEnvVars = []string{"PATH", "TEMP", "TMP", "USERPROFILE", "HOME"} //nolint:gochecknoglobals // static allow-list

// Config is the parsed host engine configuration. There is one effective
// Config per engine process.
type Config struct {
	// sourceFile is the path to the config file that was parsed, if any.
	sourceFile fspath.Path

	// PluginPaths are the roots Discovery scans for plugin manifests.
	PluginPaths []fspath.Path `mapstructure:"plugin-paths"`

	// CacheRoot is the root of the content-addressed dependency cache.
	CacheRoot fspath.Path `mapstructure:"cache-root"`

	// RegistrySources maps an ecosystem dependency kind ("packageA",
	// "packageB", "packageC") to the feed URL the resolver queries for it.
	RegistrySources map[string]string `mapstructure:"registry-sources"`

	// DefaultExecutionTimeout and DefaultMemoryCapBytes seed an
	// ExecutionContext when a caller supplies no override.
	DefaultExecutionTimeout time.Duration `mapstructure:"default-execution-timeout"`
	DefaultMemoryCapBytes   int64         `mapstructure:"default-memory-cap-bytes"`

	// MaxConcurrentExecutions bounds the Execution Service's worker pool
	//.
	MaxConcurrentExecutions int `mapstructure:"max-concurrent-executions"`

	// AllowedEnvVars is the case-insensitive allow-list of environment
	// variable names passed through to plugin execution, in addition to
	// [safeSystemEnvVars].
	AllowedEnvVars []string `mapstructure:"allowed-env-vars"`

	// VulnerablePackages is the administrator-supplied list of package
	// names the Security Manager's static assessment flags.
	VulnerablePackages []string `mapstructure:"vulnerable-packages"`
}

// SafeSystemEnvVars returns the always-added environment variable names.
func SafeSystemEnvVars() []string {
	out := make([]string, len(safeSystemEnvVars))
	copy(out, safeSystemEnvVars)

	return out
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	cacheRoot, err := fspath.NewAbs(wd, ".devflow-cache")
	if err != nil {
		cacheRoot = fspath.Path(wd).Join(".devflow-cache")
	}

	return &Config{
		PluginPaths:             []fspath.Path{fspath.Path(wd).Join("plugins")},
		CacheRoot:               cacheRoot,
		RegistrySources:         map[string]string{},
		DefaultExecutionTimeout: DefaultExecutionTimeout,
		DefaultMemoryCapBytes:   DefaultMemoryCapBytes,
		MaxConcurrentExecutions: DefaultMaxConcurrentExecutions,
		AllowedEnvVars:          []string{},
		VulnerablePackages:      []string{},
	}
}

// Load reads and decodes the TOML configuration file at path, overlaying it
// on [Default]. A path that does not exist is not an error: the default
// configuration is returned unchanged.
func Load(path fspath.Path) (*Config, error) {
	cfg := Default()

	ok, err := path.IsFile()
	if err != nil {
		return nil, fmt.Errorf("econfig: checking config file %q: %w", path, err)
	}

	if !ok {
		return cfg, nil
	}

	data, err := path.ReadFile()
	if err != nil {
		return nil, fmt.Errorf("econfig: reading config file %q: %w", path, err)
	}

	raw := make(map[string]any)

	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("econfig: decoding TOML in %q: %w", path, err)
	}

	decoderConfig := &mapstructure.DecoderConfig{ //nolint:exhaustruct // use mapstructure's defaults
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("econfig: building decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("econfig: decoding config file %q: %w", path, err)
	}

	cfg.sourceFile = path

	return cfg, nil
}

// File returns the path the configuration was parsed from, or "" if it is
// the built-in default.
func (c *Config) File() fspath.Path {
	return c.sourceFile
}

// ClampTimeout clamps d into [MinExecutionTimeout, MaxExecutionTimeout],
// substituting c.DefaultExecutionTimeout for a zero duration.
func (c *Config) ClampTimeout(d time.Duration) time.Duration {
	if d == 0 {
		d = c.DefaultExecutionTimeout
	}

	switch {
	case d < MinExecutionTimeout:
		return MinExecutionTimeout
	case d > MaxExecutionTimeout:
		return MaxExecutionTimeout
	default:
		return d
	}
}

// ClampMemoryCap clamps bytes into [MinMemoryCapBytes, MaxMemoryCapBytes],
// substituting c.DefaultMemoryCapBytes for zero.
func (c *Config) ClampMemoryCap(bytes int64) int64 {
	if bytes == 0 {
		bytes = c.DefaultMemoryCapBytes
	}

	switch {
	case bytes < MinMemoryCapBytes:
		return MinMemoryCapBytes
	case bytes > MaxMemoryCapBytes:
		return MaxMemoryCapBytes
	default:
		return bytes
	}
}

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

// Package registrystore implements the process-wide Plugin registry: the
// owner of Plugin records between discovery and execution. Reads are safe
// for concurrent use; writes serialize on the store's mutex, matching the
// teacher's plugin Store discipline in internal/plugin/store.go.
package registrystore

import (
	"fmt"
	"sync"
	"time"

	"github.com/devflow-project/engine/internal/engineerrors"
	"github.com/devflow-project/engine/internal/manifest"
)

const op = "registrystore"

// Store owns the Plugin records for one engine process.
type Store struct {
	mu      sync.RWMutex
	plugins map[manifest.PluginID]*manifest.Plugin
}

// New returns an empty Store.
func New() *Store {
	return &Store{plugins: make(map[manifest.PluginID]*manifest.Plugin)}
}

// Register adds a newly discovered Plugin to the store. It is a write
// operation and serializes with every other Store method.
func (s *Store) Register(p *manifest.Plugin) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plugins[p.ID] = p
}

// Get returns the Plugin with the given id, or a NotFound error.
func (s *Store) Get(id manifest.PluginID) (*manifest.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plugins[id]
	if !ok {
		return nil, engineerrors.New(engineerrors.KindNotFound, op+".Get", fmt.Errorf("plugin %q", id))
	}

	return p, nil
}

// ByName returns every Plugin registered under the given name, in no
// particular order. Several versions of the same plugin may coexist, as
// required by sibling-plugin resolution.
func (s *Store) ByName(name string) []*manifest.Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*manifest.Plugin

	for _, p := range s.plugins {
		if p.Name == name {
			out = append(out, p)
		}
	}

	return out
}

// All returns every registered Plugin.
func (s *Store) All() []*manifest.Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*manifest.Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		out = append(out, p)
	}

	return out
}

// SetStatus transitions a Plugin's status and records its last error
// message. It is the only way callers should mutate Status directly;
// counters are updated by [Store.RecordExecution] instead.
func (s *Store) SetStatus(id manifest.PluginID, status manifest.Status, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plugins[id]
	if !ok {
		return engineerrors.New(engineerrors.KindNotFound, op+".SetStatus", fmt.Errorf("plugin %q", id))
	}

	p.Status = status
	p.LastError = lastErr

	return nil
}

// UpdateSourceHash records a freshly computed source hash for the plugin,
// used by Discovery when re-validating a drifted plugin.
func (s *Store) UpdateSourceHash(id manifest.PluginID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plugins[id]
	if !ok {
		return engineerrors.New(engineerrors.KindNotFound, op+".UpdateSourceHash", fmt.Errorf("plugin %q", id))
	}

	p.SourceHash = hash

	return nil
}

// RecordExecution increments the plugin's execution counter and sets its
// last-executed timestamp. It is called once per invocation by the
// Execution Service, win or lose.
func (s *Store) RecordExecution(id manifest.PluginID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plugins[id]
	if !ok {
		return engineerrors.New(engineerrors.KindNotFound, op+".RecordExecution", fmt.Errorf("plugin %q", id))
	}

	p.ExecutionCount++
	p.LastExecutedAt = at

	return nil
}

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

package transpiled_test

import (
	"path/filepath"
	"testing"

	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/runtimemgr/transpiled"
)

func TestValidateReportsUnavailableWithoutInitialize(t *testing.T) {
	t.Parallel()

	mgr := transpiled.New(fspath.Path(filepath.Join(t.TempDir(), "cache")))
	plugin := &manifest.Plugin{Language: manifest.LanguageTranspiled} //nolint:exhaustruct

	result := mgr.Validate(plugin)
	if result.Executable {
		t.Error("Validate() reported executable before Initialize")
	}
}

func TestRuntimeIDAndLanguage(t *testing.T) {
	t.Parallel()

	mgr := transpiled.New(fspath.Path(filepath.Join(t.TempDir(), "cache")))

	if mgr.RuntimeID() != "runtime-t" {
		t.Errorf("RuntimeID() = %q, want runtime-t", mgr.RuntimeID())
	}

	if mgr.Language() != manifest.LanguageTranspiled {
		t.Errorf("Language() = %q, want transpiled", mgr.Language())
	}
}

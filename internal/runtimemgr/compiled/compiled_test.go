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

package compiled_test

import (
	"path/filepath"
	"testing"

	"github.com/devflow-project/engine/internal/fspath"
	"github.com/devflow-project/engine/internal/manifest"
	"github.com/devflow-project/engine/internal/runtimemgr/compiled"
)

func TestValidateReportsUnavailableWithoutInitialize(t *testing.T) {
	t.Parallel()

	mgr := compiled.New(fspath.Path(filepath.Join(t.TempDir(), "cache")))

	plugin := &manifest.Plugin{Language: manifest.LanguageCompiled} //nolint:exhaustruct

	result := mgr.Validate(plugin)
	if result.Executable {
		t.Error("Validate() reported executable before Initialize")
	}

	if len(result.Reasons) == 0 {
		t.Error("Validate() gave no reasons for being unavailable")
	}
}

func TestValidateRejectsWrongLanguage(t *testing.T) {
	t.Parallel()

	mgr := compiled.New(fspath.Path(filepath.Join(t.TempDir(), "cache")))
	plugin := &manifest.Plugin{Language: manifest.LanguageInterpreted} //nolint:exhaustruct

	result := mgr.Validate(plugin)
	if result.Executable {
		t.Error("Validate() should reject a plugin of the wrong language")
	}
}

func TestCanExecuteFalseBeforeInitialize(t *testing.T) {
	t.Parallel()

	mgr := compiled.New(fspath.Path(filepath.Join(t.TempDir(), "cache")))
	plugin := &manifest.Plugin{Language: manifest.LanguageCompiled} //nolint:exhaustruct

	if mgr.CanExecute(plugin) {
		t.Error("CanExecute() should be false before Initialize")
	}
}

func TestRuntimeIDAndLanguage(t *testing.T) {
	t.Parallel()

	mgr := compiled.New(fspath.Path(filepath.Join(t.TempDir(), "cache")))

	if mgr.RuntimeID() != "runtime-c" {
		t.Errorf("RuntimeID() = %q, want runtime-c", mgr.RuntimeID())
	}

	if mgr.Language() != manifest.LanguageCompiled {
		t.Errorf("Language() = %q, want compiled", mgr.Language())
	}
}

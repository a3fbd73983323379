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

package rtutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devflow-project/engine/internal/runtimemgr/rtutil"
)

func TestCopyTreePreservesLayout(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()

	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("top"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("nested"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := rtutil.CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "nested" {
		t.Errorf("content = %q, want nested", got)
	}
}

func TestEnvSliceOneEntryPerKey(t *testing.T) {
	t.Parallel()

	env := map[string]string{"PATH": "/bin", "HOME": "/root"}

	slice := rtutil.EnvSlice(env)
	if len(slice) != 2 {
		t.Fatalf("got %d entries, want 2", len(slice))
	}
}

func TestSplitLinesTrimsAndDropsEmpty(t *testing.T) {
	t.Parallel()

	lines := rtutil.SplitLines("  first  \n\nsecond\n   \nthird")
	want := []string{"first", "second", "third"}

	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}

	for i, line := range lines {
		if line != want[i] {
			t.Errorf("line %d = %q, want %q", i, line, want[i])
		}
	}
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()

	original := []byte(`{"hello":"world"}`)

	encoded := rtutil.EncodeBase64(original)

	decoded, err := rtutil.DecodeBase64(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64() error = %v", err)
	}

	if string(decoded) != string(original) {
		t.Errorf("decoded = %q, want %q", decoded, original)
	}
}

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

package manifest_test

import (
	"testing"

	"github.com/devflow-project/engine/internal/manifest"
)

func TestConstraintSatisfies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		spec      string
		candidate string
		want      bool
	}{
		{"exact match", "1.2.3", "1.2.3", true},
		{"exact mismatch", "1.2.3", "1.2.4", false},
		{"wildcard star", "*", "9.9.9", true},
		{"wildcard latest", "latest", "0.0.1", true},
		{"wildcard empty", "", "0.0.1", true},
		{"caret major pin", "^1.2.3", "1.9.0", true},
		{"caret major pin below", "^1.2.3", "1.2.2", false},
		{"caret different major", "^1.2.3", "2.0.0", false},
		{"caret zero major same minor", "^0.2.3", "0.2.9", true},
		{"caret zero major different minor", "^0.2.3", "0.3.0", false},
		{"caret zero zero exact build", "^0.0.5", "0.0.5", true},
		{"caret zero zero different build", "^0.0.5", "0.0.6", false},
		{"tilde full", "~1.2.3", "1.2.7", true},
		{"tilde full below patch", "~1.2.3", "1.2.1", false},
		{"tilde full different minor", "~1.2.3", "1.3.0", false},
		{"tilde minor only", "~1.2", "1.2.9", true},
		{"tilde minor only different patch base", "~1.2", "1.2.0", true},
		{"tilde major only", "~1", "1.9.9", true},
		{"tilde major only different major", "~1", "2.0.0", false},
		{"comparator gte", ">=1.0.0", "1.0.0", true},
		{"comparator gt", ">1.0.0", "1.0.0", false},
		{"comparator lte", "<=1.0.0", "0.9.9", true},
		{"comparator lt", "<1.0.0", "1.0.0", false},
		{"comparator eq", "==1.0.0", "1.0.0", true},
		{"comparator neq", "!=1.0.0", "1.0.1", true},
		{"unparseable candidate falls back to string equality", ">=1.0.0-rc", ">=1.0.0-rc", true},
		{"unparseable candidate fallback mismatch", ">=1.0.0-rc", "1.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := manifest.ParseConstraint(tt.spec)
			if got := c.Satisfies(tt.candidate); got != tt.want {
				t.Errorf("ParseConstraint(%q).Satisfies(%q) = %v, want %v", tt.spec, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestVersionResolutionScenario(t *testing.T) {
	t.Parallel()

	// S4: declared dep "~1.2.0", registry offers {1.1.9, 1.2.0, 1.2.7, 1.3.0}.
	// Expected: resolved concrete version = 1.2.7.
	c := manifest.ParseConstraint("~1.2.0")
	candidates := []string{"1.1.9", "1.2.0", "1.2.7", "1.3.0"}

	var best string

	for _, cand := range candidates {
		if c.Satisfies(cand) {
			best = cand
		}
	}

	if best != "1.2.7" {
		t.Errorf("expected highest satisfying version 1.2.7, got %q", best)
	}
}

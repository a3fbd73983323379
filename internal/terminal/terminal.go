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

// Package terminal reports the width of the controlling terminal, used to
// wrap the crash report panichandler prints on a panic.
package terminal

import (
	"os"

	"golang.org/x/term"
)

// defaultWidth is the width returned by Width if the terminal width cannot
// be determined, e.g. because stdout is redirected to a file or pipe.
const defaultWidth = 80

// Width returns the current terminal width (in characters) or a default of
// 80 if it cannot be determined.
func Width() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}

	return defaultWidth
}

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

//go:build !unix

package security

import (
	"os"
	"os/exec"
)

// SetProcessGroup is a no-op on platforms without process groups; process
// termination falls back to killing the direct child only.
func SetProcessGroup(cmd *exec.Cmd) {}

// KillProcessTree kills only the direct process, since this platform has no
// process-group primitive to target descendants.
func KillProcessTree(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return proc.Kill()
}

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

//go:build unix

package security

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetProcessGroup configures cmd so its children land in a new process
// group, letting [KillProcessTree] terminate the whole tree rather than just
// the direct child.
func SetProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{} //nolint:exhaustruct // only Setpgid is relevant here
	}

	cmd.SysProcAttr.Setpgid = true
}

// KillProcessTree sends SIGKILL to the process group rooted at pid. pid must
// have been started with [SetProcessGroup].
func KillProcessTree(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

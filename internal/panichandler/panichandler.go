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

// Package panichandler defines the panic handler functions for the engine
// host. They need to be deferred at the beginning of each goroutine that can
// outlive the main one (runtime manager workers, the hosted init task) so a
// panic in a plugin's subprocess-driving goroutine never brings down the
// process silently.
package panichandler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/devflow-project/engine/internal/terminal"
	"github.com/devflow-project/engine/internal/text"
	"github.com/devflow-project/engine/internal/version"
)

const (
	header = "!!! DEVFLOW ENGINE CRASHED !%s"
	//nolint:lll
	panicInfo = `
The engine has encountered an unexpected error. This is most likely a bug in the program, not in a plugin. In your bug report, please include the engine version and stack trace shown below and any additional information that may help with resolving the bug or replicating the issue.
`
	footer = `
Please open an issue at:

	https://github.com/devflow-project/engine/issues

Thank you for helping DevFlow!
`
)

// panicMu ensures that only the first goroutine to panic recovers, prints
// the crash report, and exits the process.
var panicMu sync.Mutex //nolint:gochecknoglobals

// cancel is the cancel function for the process-wide context. It must be set
// once at startup via [SetCancel] and is invoked before the process exits.
var cancel context.CancelFunc //nolint:gochecknoglobals

var cancelOnce sync.Once //nolint:gochecknoglobals

// Handle recovers a panic on the current goroutine and prints a crash report
// with a stack trace and a pointer to the issue tracker.
func Handle() {
	panicMu.Lock()
	defer panicMu.Unlock()

	//revive:disable-next-line:defer This is a deferred function.
	r := recover()

	handlePanic(r, nil)
}

// WithStackTrace returns a deferrable function like Handle, but one that
// also captures the stack trace at the point WithStackTrace was called. Use
// this in a goroutine spawned from the main one, so a panic there still
// shows how the goroutine came to exist.
func WithStackTrace() func() {
	trace := debug.Stack()

	return func() {
		panicMu.Lock()
		defer panicMu.Unlock()

		//revive:disable-next-line:defer This is a deferred function.
		r := recover()

		handlePanic(r, trace)
	}
}

// SetCancel sets the cancel function invoked before the process exits on a
// recovered panic. Only the first call takes effect.
func SetCancel(c context.CancelFunc) {
	cancelOnce.Do(func() {
		cancel = c
	})
}

func handlePanic(r any, t []byte) {
	if r == nil {
		return
	}

	if cancel != nil {
		cancel()
	}

	var buf bytes.Buffer

	buf.WriteByte('\n')

	width := terminal.Width()

	buf.WriteString(fmt.Sprintf(header, strings.Repeat("!", width-len(header)+1)))
	buf.WriteString("\n\n")
	buf.WriteString(text.Wrap(panicInfo, width))
	buf.WriteByte('\n')
	buf.WriteString(fmt.Sprintf("Version: %s\n", version.Version()))
	buf.WriteString(fmt.Sprintf("Panic: %v\n\n", r))
	buf.WriteString("Stack trace:\n\n")
	buf.Write(debug.Stack())

	if t != nil {
		buf.WriteString("\nWith goroutine called from:\n\n")
		buf.Write(t)
	}

	buf.WriteString("\n" + footer)

	if _, err := os.Stderr.Write(buf.Bytes()); err != nil {
		buf.WriteString(fmt.Sprintf("FAILED TO WRITE BYTES TO STDERR: %v\n", err))
	}

	//revive:disable-next-line:deep-exit Panic handler has to exit with error.
	os.Exit(1)
}

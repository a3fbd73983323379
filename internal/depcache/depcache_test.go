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

package depcache_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devflow-project/engine/internal/depcache"
	"github.com/devflow-project/engine/internal/fspath"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Library":        "Library",
		"@scope/pkg":     "_scope_pkg",
		"weird name!!":   "weird_name_",
		"^1.0.0":         "_1.0.0",
		"a/../b":         "a_.._b",
	}

	for in, want := range cases {
		if got := depcache.Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIntactRequiresMarkerAndArtifacts(t *testing.T) {
	t.Parallel()

	root := fspath.Path(t.TempDir())
	c := depcache.New(root)
	entry := c.EntryPath("packageA", "Library", "linux-amd64", "1.0.0")

	ok, err := c.Intact(entry, "lib.bin")
	if err != nil {
		t.Fatalf("Intact() error = %v", err)
	}

	if ok {
		t.Fatal("expected entry to be incomplete before it exists")
	}

	if err := entry.MkdirAll(0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	f, err := entry.Join("lib.bin").OpenFile(0x241, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.Close()

	ok, err = c.Intact(entry, "lib.bin")
	if err != nil {
		t.Fatalf("Intact() error = %v", err)
	}

	if ok {
		t.Fatal("expected entry to be incomplete without the lock marker")
	}

	if err := c.MarkComplete(entry); err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}

	ok, err = c.Intact(entry, "lib.bin")
	if err != nil {
		t.Fatalf("Intact() error = %v", err)
	}

	if !ok {
		t.Fatal("expected entry to be intact after marker and artifact are present")
	}
}

func TestWithLockSerializesSameEntry(t *testing.T) {
	t.Parallel()

	root := fspath.Path(t.TempDir())
	c := depcache.New(root)
	entry := c.EntryPath("packageA", "Library", "linux-amd64", "1.0.0")

	var (
		active int32
		maxSeen int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := c.WithLock(entry, func() error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}

				time.Sleep(2 * time.Millisecond)

				atomic.AddInt32(&active, -1)

				return nil
			})
			if err != nil {
				t.Errorf("WithLock() error = %v", err)
			}
		}()
	}

	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func TestWithLockDifferentEntriesDoNotBlock(t *testing.T) {
	t.Parallel()

	root := fspath.Path(t.TempDir())
	c := depcache.New(root)

	done := make(chan struct{})

	go func() {
		_ = c.WithLock(c.EntryPath("packageA", "Library", "linux", "1.0.0"), func() error {
			time.Sleep(50 * time.Millisecond)

			return nil
		})

		close(done)
	}()

	// Give the first goroutine time to acquire its lock, then confirm a
	// different entry's lock is immediately available.
	time.Sleep(5 * time.Millisecond)

	acquired := make(chan struct{})

	go func() {
		_ = c.WithLock(c.EntryPath("packageB", "Other", "linux", "2.0.0"), func() error {
			close(acquired)

			return nil
		})
	}()

	select {
	case <-acquired:
	case <-time.After(40 * time.Millisecond):
		t.Fatal("lock on a different entry blocked unexpectedly")
	}

	<-done
}

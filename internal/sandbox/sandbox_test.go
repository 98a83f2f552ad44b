// Copyright 2024 Google LLC.
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

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/barseghyanartur/safetar/internal/guard"
	"github.com/barseghyanartur/safetar/internal/policy"
)

func TestStageRegularWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	sb, err := Open(dir, policy.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m := guard.ResolvedMember{Path: "a/b.txt", Type: guard.TypeReg, Mode: 0o644}
	n, err := sb.StageRegular(m, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("StageRegular: %v", err)
	}
	if n != 5 {
		t.Fatalf("want 5 bytes written, got %d", n)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("want hello, got %q", data)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "safetar-tmp") {
			t.Fatalf("temp file leaked into destination: %s", e.Name())
		}
	}
}

func TestConfineClampsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	sb, err := Open(dir, policy.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// confine is only ever handed guard-canonicalized paths in production
	// (the guard already rejects "..") but it must still never resolve an
	// escaping one to a path outside the root, defense in depth.
	abs, err := sb.confine("../outside.txt")
	if err != nil {
		return
	}
	if abs != sb.rootCanon && !strings.HasPrefix(abs, sb.rootCanon+string(filepath.Separator)) {
		t.Fatalf("confine resolved outside the root: %s", abs)
	}
}

func TestAbortRemovesCreatedPaths(t *testing.T) {
	dir := t.TempDir()
	sb, err := Open(dir, policy.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := sb.StageRegular(guard.ResolvedMember{Path: "keep.txt", Mode: 0o644}, strings.NewReader("x")); err != nil {
		t.Fatalf("StageRegular: %v", err)
	}
	sb.Abort()

	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); !os.IsNotExist(err) {
		t.Fatalf("want file removed after Abort, stat err = %v", err)
	}
}

func TestCommitLinksHardlinkForwardReferenceRejected(t *testing.T) {
	dir := t.TempDir()
	sb, err := Open(dir, policy.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The hardlink's target (missing.txt) is never staged as a regular
	// file, simulating a forward reference to a member that was never
	// committed.
	if err := sb.DeferLink(guard.ResolvedMember{
		Path: "link.txt", Type: guard.TypeHardlink, LinkTarget: "missing.txt",
	}); err != nil {
		t.Fatalf("DeferLink: %v", err)
	}

	err = sb.CommitLinks()
	if !errors.Is(err, errs.ErrLinkEscape) {
		t.Fatalf("want ErrLinkEscape, got %v", err)
	}
}

func TestCommitLinksHardlinkToCommittedRegularSucceeds(t *testing.T) {
	dir := t.TempDir()
	sb, err := Open(dir, policy.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := sb.StageRegular(guard.ResolvedMember{Path: "real.txt", Mode: 0o644}, strings.NewReader("content")); err != nil {
		t.Fatalf("StageRegular: %v", err)
	}
	if err := sb.DeferLink(guard.ResolvedMember{
		Path: "alias.txt", Type: guard.TypeHardlink, LinkTarget: "real.txt", Mode: 0o644,
	}); err != nil {
		t.Fatalf("DeferLink: %v", err)
	}

	if err := sb.CommitLinks(); err != nil {
		t.Fatalf("CommitLinks: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "alias.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "content" {
		t.Fatalf("want content, got %q", data)
	}
}

func TestCommitLinksSymlinkEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	sb, err := Open(dir, policy.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := sb.DeferLink(guard.ResolvedMember{
		Path: "escape-link", Type: guard.TypeSymlink, LinkTarget: "../../../etc/passwd",
	}); err != nil {
		t.Fatalf("DeferLink: %v", err)
	}

	err = sb.CommitLinks()
	if !errors.Is(err, errs.ErrLinkEscape) {
		t.Fatalf("want ErrLinkEscape, got %v", err)
	}
	if _, statErr := os.Lstat(filepath.Join(dir, "escape-link")); !os.IsNotExist(statErr) {
		t.Fatalf("escaping symlink should not remain on disk, stat err = %v", statErr)
	}
}

func TestCommitLinksSymlinkWithinRootSucceeds(t *testing.T) {
	dir := t.TempDir()
	sb, err := Open(dir, policy.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := sb.StageRegular(guard.ResolvedMember{Path: "target.txt", Mode: 0o644}, strings.NewReader("x")); err != nil {
		t.Fatalf("StageRegular: %v", err)
	}
	if err := sb.DeferLink(guard.ResolvedMember{
		Path: "link.txt", Type: guard.TypeSymlink, LinkTarget: "target.txt",
	}); err != nil {
		t.Fatalf("DeferLink: %v", err)
	}

	if err := sb.CommitLinks(); err != nil {
		t.Fatalf("CommitLinks: %v", err)
	}
	fi, err := os.Lstat(filepath.Join(dir, "link.txt"))
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("want a symlink at link.txt")
	}
}

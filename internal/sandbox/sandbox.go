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

// Package sandbox performs atomic, TOCTOU-resistant materialization of
// validated members into a destination root: temp-file-then-rename writes
// for regular files, and a deferred, order-dependent link queue that is only
// committed (and re-verified) once every regular file is in place.
package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/barseghyanartur/safetar/internal/guard"
	"github.com/barseghyanartur/safetar/internal/policy"
)

// maxSymlinkChain bounds the number of intermediate symlinks resolveWithinRoot
// will follow before declaring a cycle (see spec design notes: "bound on
// chain length (e.g., 40 links) to defeat cycles").
const maxSymlinkChain = 40

const dirMode = 0o755

// linkSpec is a deferred symlink or hardlink awaiting commit.
type linkSpec struct {
	hardlink   bool
	destRel    string // member.Path, canonical and root-relative
	targetRaw  string // declared link target, exactly as the archive had it
	mode       int64
	mtime      int64
}

// Sandbox materializes validated members into rootCanon.
type Sandbox struct {
	rootCanon string
	pol       policy.Policy

	created   []string // insertion order, for rollback
	deferred  []linkSpec
	committed bool
	aborted   bool
}

// Open resolves dest to an absolute, symlink-free canonical root, creating
// it if necessary, and returns a Sandbox ready to stage members into it. A
// root that Open itself had to create is tracked like any other staged path,
// so an Abort before Commit removes it again.
func Open(dest string, pol policy.Policy) (*Sandbox, error) {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSandbox, "", err)
	}
	s := &Sandbox{pol: pol}
	if err := s.mkdirAllTracked(abs, dirMode); err != nil {
		return nil, errs.Wrap(errs.ErrSandbox, "", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSandbox, "", err)
	}
	s.rootCanon = resolved
	return s, nil
}

// confine resolves relPath (already guard-canonicalized: no "..", not
// absolute) against the root, using securejoin for the filesystem-aware,
// symlink-resolving join the spec calls for, then re-verifies with a
// lexical prefix check as defense in depth.
func (s *Sandbox) confine(relPath string) (string, error) {
	abs, err := securejoin.SecureJoin(s.rootCanon, relPath)
	if err != nil {
		return "", errs.Wrap(errs.ErrUnsafePath, relPath, err)
	}
	if abs != s.rootCanon && !strings.HasPrefix(abs, s.rootCanon+string(filepath.Separator)) {
		return "", errs.New(errs.ErrUnsafePath, relPath, "reason", "escapes destination root")
	}
	return abs, nil
}

// StageDirectory creates dir (and its parents) with the member's permission
// bits, always adding owner read/write/execute (0o700).
func (s *Sandbox) StageDirectory(m guard.ResolvedMember) error {
	abs, err := s.confine(m.Path)
	if err != nil {
		return err
	}
	if err := s.mkdirAllTracked(abs, os.FileMode(m.Mode)&0o7777|0o700); err != nil {
		return errs.Wrap(errs.ErrSandbox, m.Path, err)
	}
	return nil
}

// mkdirAllTracked creates dir and any missing ancestors, recording only the
// highest ancestor that did not already exist so Abort can remove exactly
// the subtree this call introduced, leaving pre-existing directories (and
// anything rolled back by an earlier Abort) untouched.
func (s *Sandbox) mkdirAllTracked(dir string, mode os.FileMode) error {
	cur := dir
	var topNew string
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		}
		topNew = cur
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return err
	}
	if topNew != "" {
		s.created = append(s.created, topNew)
	}
	return nil
}

// StageRegular writes payload to the member's destination atomically: a
// sibling temp file is created with exclusive-create semantics, streamed
// into, then mode/mtime are applied and it is renamed onto the final
// destination. The rename is the only point at which the file becomes
// externally visible, satisfying invariant I4.
func (s *Sandbox) StageRegular(m guard.ResolvedMember, payload io.Reader) (int64, error) {
	abs, err := s.confine(m.Path)
	if err != nil {
		return 0, err
	}

	if fi, statErr := os.Lstat(abs); statErr == nil {
		if fi.IsDir() {
			return 0, errs.New(errs.ErrSandbox, m.Path, "reason", "destination is a directory")
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return 0, errs.New(errs.ErrUnsafePath, m.Path, "reason", "destination is an existing symlink")
		}
	}

	parent := filepath.Dir(abs)
	if err := s.mkdirAllTracked(parent, dirMode); err != nil {
		return 0, errs.Wrap(errs.ErrSandbox, m.Path, err)
	}

	tmpPath, err := tempSiblingPath(parent)
	if err != nil {
		return 0, errs.Wrap(errs.ErrSandbox, m.Path, err)
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, errs.Wrap(errs.ErrSandbox, m.Path, err)
	}
	s.created = append(s.created, tmpPath)

	n, copyErr := io.Copy(f, payload)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		s.popCreated(tmpPath)
		if copyErr != nil {
			return n, errs.Wrap(errs.ErrAtomicWrite, m.Path, copyErr)
		}
		return n, errs.Wrap(errs.ErrAtomicWrite, m.Path, closeErr)
	}

	if err := os.Chmod(tmpPath, os.FileMode(m.Mode)&0o7777); err != nil {
		_ = os.Remove(tmpPath)
		s.popCreated(tmpPath)
		return n, errs.Wrap(errs.ErrAtomicWrite, m.Path, err)
	}
	if s.pol.PreserveOwnership {
		// Only root can chown to arbitrary ids; a non-root failure here is
		// not grounds for aborting an otherwise valid extraction.
		_ = os.Chown(tmpPath, m.Uid, m.Gid)
	}
	if !m.ModTime.IsZero() {
		_ = os.Chtimes(tmpPath, m.ModTime, m.ModTime)
	}

	if err := os.Rename(tmpPath, abs); err != nil {
		_ = os.Remove(tmpPath)
		s.popCreated(tmpPath)
		return n, errs.Wrap(errs.ErrAtomicWrite, m.Path, err)
	}
	s.popCreated(tmpPath)
	s.created = append(s.created, abs)

	return n, nil
}

// DeferLink appends a symlink or hardlink to the deferred queue; it is not
// created until CommitLinks runs, after every regular file has been staged.
func (s *Sandbox) DeferLink(m guard.ResolvedMember) error {
	s.deferred = append(s.deferred, linkSpec{
		hardlink:  m.Type == guard.TypeHardlink,
		destRel:   m.Path,
		targetRaw: m.LinkTarget,
		mode:      m.Mode,
		mtime:     m.ModTime.Unix(),
	})
	return nil
}

// popCreated removes the most recently appended entry if it matches path;
// used when a staging step fails partway and the temp file never became
// externally visible.
func (s *Sandbox) popCreated(path string) {
	if n := len(s.created); n > 0 && s.created[n-1] == path {
		s.created = s.created[:n-1]
	}
}

// Commit marks the session as successfully completed; Abort becomes a no-op
// afterwards. Callers invoke it only once every regular file, deferred link,
// and nested expansion has succeeded.
func (s *Sandbox) Commit() {
	s.committed = true
}

// Abort removes every path the Sandbox has created, in reverse insertion
// order, and marks the session as never having committed.
func (s *Sandbox) Abort() {
	if s.aborted || s.committed {
		return
	}
	s.aborted = true
	for i := len(s.created) - 1; i >= 0; i-- {
		_ = os.RemoveAll(s.created[i])
	}
	s.created = nil
	s.deferred = nil
}

func tempSiblingPath(dir string) (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf(".safetar-tmp-%s", hex.EncodeToString(buf[:]))), nil
}

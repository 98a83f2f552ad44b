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
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/barseghyanartur/safetar/sanitizer"
)

// CommitLinks processes the deferred queue: every hardlink in
// archive-declaration order, then every symlink in archive-declaration
// order, each re-verified against the now-closed set of committed regular
// files. Any failure aborts the whole extraction.
func (s *Sandbox) CommitLinks() error {
	var hardlinks, symlinks []linkSpec
	for _, l := range s.deferred {
		if l.hardlink {
			hardlinks = append(hardlinks, l)
		} else {
			symlinks = append(symlinks, l)
		}
	}

	for _, l := range hardlinks {
		if err := s.commitHardlink(l); err != nil {
			return err
		}
	}
	for _, l := range symlinks {
		if err := s.commitSymlink(l); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sandbox) commitHardlink(l linkSpec) error {
	destAbs, err := s.confine(l.destRel)
	if err != nil {
		return err
	}
	if fi, statErr := os.Lstat(destAbs); statErr == nil {
		if fi.IsDir() {
			return errs.New(errs.ErrSandbox, l.destRel, "reason", "destination is a directory")
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return errs.New(errs.ErrUnsafePath, l.destRel, "reason", "destination is an existing symlink")
		}
	}

	targetRel, ok := sanitizer.Canonicalize(l.targetRaw)
	if !ok {
		return errs.New(errs.ErrLinkEscape, l.destRel, "reason", "hardlink target path unsafe")
	}
	targetAbs, err := s.confine(targetRel)
	if err != nil {
		return err
	}

	fi, err := os.Lstat(targetAbs)
	if err != nil || !fi.Mode().IsRegular() {
		// Not yet committed (forward reference) or not a plain file: reject.
		return errs.New(errs.ErrLinkEscape, l.destRel, "reason", "hardlink target not a committed regular file", "target", targetRel)
	}

	if err := s.mkdirAllTracked(filepath.Dir(destAbs), dirMode); err != nil {
		return errs.Wrap(errs.ErrSandbox, l.destRel, err)
	}

	if err := os.Link(targetAbs, destAbs); err != nil {
		// Some filesystems (e.g. across overlay boundaries) reject hardlink
		// creation; fall back to copying the content as a regular file.
		if copyErr := copyAsRegular(targetAbs, destAbs, l.mode, l.mtime); copyErr != nil {
			return errs.Wrap(errs.ErrSandbox, l.destRel, copyErr)
		}
		s.pol.Emit(hardlinkFallbackEvent(l.destRel, targetRel))
	}
	s.created = append(s.created, destAbs)
	return nil
}

func (s *Sandbox) commitSymlink(l linkSpec) error {
	destAbs, err := s.confine(l.destRel)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(destAbs); err == nil {
		return errs.New(errs.ErrLinkEscape, l.destRel, "reason", "symlink destination already exists")
	}

	resolved, err := resolveWithinRoot(s.rootCanon, filepath.Dir(destAbs), l.targetRaw, 0)
	if err != nil {
		return err
	}
	_ = resolved // resolution success is what matters; the link stores targetRaw verbatim

	if err := s.mkdirAllTracked(filepath.Dir(destAbs), dirMode); err != nil {
		return errs.Wrap(errs.ErrSandbox, l.destRel, err)
	}
	if err := os.Symlink(l.targetRaw, destAbs); err != nil {
		return errs.Wrap(errs.ErrSandbox, l.destRel, err)
	}
	s.created = append(s.created, destAbs)

	// Re-read and re-validate: a concurrent external mutator could have
	// raced the symlink into pointing somewhere else between creation and
	// this check (the TOCTOU window the spec calls out explicitly).
	reResolved, err := resolveWithinRoot(s.rootCanon, filepath.Dir(destAbs), l.targetRaw, 0)
	if err != nil || reResolved != resolved {
		_ = os.Remove(destAbs)
		s.popCreated(destAbs)
		return errs.New(errs.ErrLinkEscape, l.destRel, "reason", "symlink resolution changed after creation")
	}
	return nil
}

// resolveWithinRoot performs the spec's "full lexical resolution of every
// component of the target, resolving intermediate symlinks against the
// staged tree", bounded by maxSymlinkChain to defeat cycles. It returns the
// fully resolved absolute path; every component and the final result are
// checked to lie within root (root itself counts as within), so callers need
// no further check.
func resolveWithinRoot(root, startDir, target string, depth int) (string, error) {
	if depth > maxSymlinkChain {
		return "", errs.New(errs.ErrLinkEscape, "", "reason", "symlink chain too long")
	}

	cur := startDir
	rest := target
	if filepath.IsAbs(target) {
		cur = root
		rest = strings.TrimPrefix(filepath.Clean(target), string(filepath.Separator))
	}

	for _, part := range strings.Split(filepath.Clean(rest), string(filepath.Separator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			if cur == root {
				return "", errs.New(errs.ErrLinkEscape, "", "reason", "link target escapes destination root")
			}
			cur = filepath.Dir(cur)
		default:
			cur = filepath.Join(cur, part)
			if cur != root && !strings.HasPrefix(cur, root+string(filepath.Separator)) {
				return "", errs.New(errs.ErrLinkEscape, "", "reason", "link target escapes destination root")
			}
			if fi, err := os.Lstat(cur); err == nil && fi.Mode()&os.ModeSymlink != 0 {
				next, err := os.Readlink(cur)
				if err != nil {
					return "", errs.Wrap(errs.ErrLinkEscape, "", err)
				}
				resolved, err := resolveWithinRoot(root, filepath.Dir(cur), next, depth+1)
				if err != nil {
					return "", err
				}
				cur = resolved
			}
		}
	}

	if cur != root && !strings.HasPrefix(cur, root+string(filepath.Separator)) {
		return "", errs.New(errs.ErrLinkEscape, "", "reason", "link target escapes destination root")
	}
	return cur, nil
}

func copyAsRegular(srcAbs, destAbs string, mode, mtime int64) error {
	src, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := tempSiblingPath(filepath.Dir(destAbs))
	if err != nil {
		return err
	}
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, os.FileMode(mode)&0o7777); err != nil {
		os.Remove(tmp)
		return err
	}
	if mtime > 0 {
		t := time.Unix(mtime, 0)
		_ = os.Chtimes(tmp, t, t)
	}
	return os.Rename(tmp, destAbs)
}

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

// Package safetar extracts TAR archives (optionally gzip/bzip2/xz wrapped)
// into a destination directory while defending against path traversal,
// decompression bombs, symlink/hardlink escapes, device-file injection,
// setuid/setgid escalation and runaway archive nesting.
//
// Open constructs a Session over an archive; Session.ExtractAll runs the
// validated, atomic extraction pipeline. There is no other supported entry
// point: CLI wrappers and environment-variable configuration layers are
// intentionally left to callers.
package safetar

import (
	"context"
	"io"
	"os"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/barseghyanartur/safetar/internal/nesting"
	"github.com/barseghyanartur/safetar/internal/policy"
	"github.com/barseghyanartur/safetar/internal/sandbox"
	"github.com/barseghyanartur/safetar/internal/streamer"
)

// Re-exported so callers configuring a Policy never need to import the
// internal packages directly.
type (
	Policy         = policy.Policy
	SymlinkPolicy  = policy.SymlinkPolicy
	HardlinkPolicy = policy.HardlinkPolicy
	SparsePolicy   = policy.SparsePolicy
	SecurityEvent  = policy.SecurityEvent
)

const (
	SymlinkReject          = policy.SymlinkReject
	SymlinkIgnore          = policy.SymlinkIgnore
	SymlinkResolveInternal = policy.SymlinkResolveInternal

	HardlinkReject   = policy.HardlinkReject
	HardlinkInternal = policy.HardlinkInternal

	SparseReject      = policy.SparseReject
	SparseMaterialise = policy.SparseMaterialise
)

// Sentinel error kinds, re-exported for callers that want errors.Is without
// importing internal/errs.
var (
	ErrUnsafePath        = errs.ErrUnsafePath
	ErrForbiddenType     = errs.ErrForbiddenType
	ErrFileTooLarge      = errs.ErrFileTooLarge
	ErrTotalSizeExceeded = errs.ErrTotalSizeExceeded
	ErrMaxFilesExceeded  = errs.ErrMaxFilesExceeded
	ErrRatioExceeded     = errs.ErrRatioExceeded
	ErrSymlinkPolicy     = errs.ErrSymlinkPolicy
	ErrHardlinkPolicy    = errs.ErrHardlinkPolicy
	ErrSparsePolicy      = errs.ErrSparsePolicy
	ErrLinkEscape        = errs.ErrLinkEscape
	ErrAtomicWrite       = errs.ErrAtomicWrite
	ErrSandbox           = errs.ErrSandbox
	ErrUnsupportedFormat = errs.ErrUnsupportedFormat
	ErrArchiveOpen       = errs.ErrArchiveOpen
	ErrMalformedArchive  = errs.ErrMalformedArchive
	ErrPolicy            = errs.ErrPolicy
	ErrCanceled          = errs.ErrCanceled
)

// DefaultPolicy returns the documented conservative defaults: 1 GiB per
// file, 5 GiB total, 10000 files, ratio 200, nesting depth 3, symlinks and
// hardlinks rejected, sparse members rejected, setuid/setgid/sticky bits
// stripped, ownership replaced with the extracting process's, timestamps
// clamped to a valid 32-bit range.
func DefaultPolicy() Policy {
	return policy.Default()
}

// Session is a single open extraction pipeline over one archive. It holds
// no destination state until ExtractAll is called.
type Session struct {
	sess     *streamer.Session
	pol      Policy
	ownsFile *os.File
}

// Open constructs the pipeline over source, which may be a filesystem path
// (string) or an already-open io.Reader. It detects the compression
// transport and computes the archive's correlation hash, but does not
// touch any destination. It fails with ErrArchiveOpen or
// ErrUnsupportedFormat if the archive cannot be read, or ErrPolicy if pol
// is invalid.
func Open(source any, pol Policy) (*Session, error) {
	var r io.Reader
	var owned *os.File

	switch v := source.(type) {
	case string:
		f, err := os.Open(v)
		if err != nil {
			return nil, errs.Wrap(errs.ErrArchiveOpen, "", err)
		}
		r = f
		owned = f
	case io.Reader:
		r = v
	default:
		return nil, errs.New(errs.ErrArchiveOpen, "", "reason", "source must be a path or io.Reader")
	}

	sess, err := streamer.Open(r, pol)
	if err != nil {
		if owned != nil {
			owned.Close()
		}
		return nil, err
	}

	return &Session{sess: sess, pol: pol, ownsFile: owned}, nil
}

// Names iterates archive headers only, applying the guard, and returns the
// canonical names of every member that would be accepted. It does not
// extract anything, but it consumes the archive stream: an ExtractAll on the
// same Session afterwards finds no members and extracts nothing, and a Names
// call after ExtractAll returns no names.
func (s *Session) Names() ([]string, error) {
	return s.sess.Names()
}

// ExtractAll runs the full validated pipeline into destination: every
// accepted member is staged atomically, deferred links are committed once
// every regular file is in place, and any regular file whose name matches
// a recognized archive extension is recursively expanded up to
// policy.MaxNestingDepth.
//
// onEvent, if non-nil, is invoked synchronously for every SecurityEvent
// raised during extraction, overriding any callback already set on pol. It
// must not mutate the session; a panicking callback is swallowed into a
// single internal_warning event rather than aborting the extraction.
//
// On any fatal error the destination is rolled back to its pre-call state
// and the error is returned with its specific kind (see the Err* sentinel
// values); callers should use errors.Is against them.
func (s *Session) ExtractAll(ctx context.Context, destination string, onEvent func(SecurityEvent)) error {
	pol := s.pol
	if onEvent != nil {
		pol.OnEvent = onEvent
	}
	s.sess.SetPolicy(pol)

	sb, err := sandbox.Open(destination, pol)
	if err != nil {
		return err
	}

	if err := s.sess.ExtractAll(ctx, sb); err != nil {
		return err
	}

	if err := nesting.Expand(ctx, destination, s.sess.RegularFiles(), pol, 0, s.sess.Totals()); err != nil {
		sb.Abort()
		return err
	}
	sb.Commit()
	return nil
}

// Close is idempotent; if Open opened the source itself from a path, it
// closes that file. A caller-supplied io.Reader is left open.
func (s *Session) Close() error {
	err := s.sess.Close()
	if s.ownsFile != nil {
		if cerr := s.ownsFile.Close(); err == nil {
			err = cerr
		}
		s.ownsFile = nil
	}
	return err
}

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

// Package streamer drives the single-pass extraction pipeline: it iterates
// archive members in order, consults the guard for each, and copies payload
// bytes under live budget accounting against the untrusted byte stream,
// never against header-declared sizes.
package streamer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strconv"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/barseghyanartur/safetar/internal/guard"
	"github.com/barseghyanartur/safetar/internal/policy"
)

// warmupBytes is the minimum decoded payload before ratio enforcement kicks
// in, avoiding false positives on tiny archives with proportionally large
// headers. It is deliberately not part of the public Policy (see spec design
// notes on the ratio warmup threshold).
const warmupBytes = 1 << 20 // 1 MiB

const copyChunk = 64 * 1024

// Destination is the narrow interface the sandbox package satisfies; the
// streamer depends on it rather than the concrete sandbox type so the two
// packages don't import each other.
type Destination interface {
	StageRegular(member guard.ResolvedMember, payload io.Reader) (int64, error)
	StageDirectory(member guard.ResolvedMember) error
	DeferLink(member guard.ResolvedMember) error
	CommitLinks() error
	Abort()
}

// State mirrors the spec's ExtractionState: the Streamer's live counters.
type State struct {
	FilesSeen           uint32
	BytesWritten        uint64
	CompressedBytesRead uint64
	ArchiveHash         string
}

// Totals holds the budget counters enforced against MaxFiles and
// MaxTotalSize. They live behind a pointer so the nesting controller can
// share one set of counters between an outer session and every nested
// session it spawns: budgets accumulate across levels, they never reset.
type Totals struct {
	FilesSeen    uint32
	BytesWritten uint64
}

// Session is a single open extraction pipeline over one archive.
type Session struct {
	tr          *tar.Reader
	pol         policy.Policy
	totals      *Totals
	decoded     uint64 // this session's decoded payload bytes, for the ratio check
	archiveHash string
	counted     *countingReader
	closed      bool

	// regularFiles records the canonical path of every accepted TypeReg
	// member, so the nesting controller can find archive-extension
	// candidates without re-walking the destination tree.
	regularFiles []string
}

// RegularFiles returns the canonical paths of every accepted regular-file
// member extracted by the last call to ExtractAll.
func (s *Session) RegularFiles() []string {
	return s.regularFiles
}

// Open constructs the pipeline for r: it detects the compression transport
// from the first magic bytes, computes the correlation hash over the first
// 64 KiB of raw input, and prepares a tar reader. It does not touch any
// destination.
func Open(r io.Reader, pol policy.Policy) (*Session, error) {
	if err := pol.Validate(); err != nil {
		return nil, err
	}

	prefix := make([]byte, 64*1024)
	n, _ := io.ReadFull(r, prefix)
	prefix = prefix[:n]
	sum := sha256.Sum256(prefix)

	full := io.MultiReader(bytes.NewReader(prefix), r)
	counted := &countingReader{r: full}

	decoded, err := detectTransport(counted)
	if err != nil {
		return nil, err
	}

	return &Session{
		tr:          tar.NewReader(decoded),
		pol:         pol,
		totals:      &Totals{},
		counted:     counted,
		archiveHash: hex.EncodeToString(sum[:]),
	}, nil
}

// countingReader tallies bytes read from the underlying (compressed) input,
// feeding State.CompressedBytesRead.
type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// SetPolicy replaces the session's policy. It exists so a caller can attach
// an event callback between Open and ExtractAll without having threaded it
// through Open; every other field must already match what Open validated.
func (s *Session) SetPolicy(pol policy.Policy) {
	s.pol = pol
}

// Totals returns the session's budget counters, for sharing with nested
// sessions via ShareTotals.
func (s *Session) Totals() *Totals {
	return s.totals
}

// ShareTotals replaces the session's budget counters with t, so a nested
// extraction accumulates into the same MaxFiles/MaxTotalSize budgets as its
// parent instead of starting fresh.
func (s *Session) ShareTotals(t *Totals) {
	if t != nil {
		s.totals = t
	}
}

// State returns a snapshot of the session's live counters.
func (s *Session) State() State {
	return State{
		FilesSeen:           s.totals.FilesSeen,
		BytesWritten:        s.totals.BytesWritten,
		CompressedBytesRead: s.counted.n,
		ArchiveHash:         s.archiveHash,
	}
}

// Names iterates headers only, applying the guard, and returns the
// canonical names of accepted members. It does not extract anything.
func (s *Session) Names() ([]string, error) {
	var names []string
	for {
		_, v, err := s.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if v.Kind == guard.Accept {
			names = append(names, v.Member.Path)
		}
	}
	return names, nil
}

// next advances to the next member, runs it through the guard, and returns
// the raw header alongside the verdict. io.EOF signals a clean end of
// stream.
func (s *Session) next() (*tar.Header, guard.Verdict, error) {
	h, err := s.tr.Next()
	if err == io.EOF {
		return nil, guard.Verdict{}, io.EOF
	}
	if err != nil {
		return nil, guard.Verdict{}, errs.Wrap(errs.ErrMalformedArchive, "", err)
	}

	mh := fromTarHeader(h)
	v := guard.Check(mh, s.pol)

	if v.Event != nil {
		v.Event.ArchiveHash = s.archiveHash
		s.pol.Emit(*v.Event)
	}

	if v.Kind == guard.Accept {
		s.totals.FilesSeen++
		if s.totals.FilesSeen > s.pol.MaxFiles {
			return h, v, errs.New(errs.ErrMaxFilesExceeded, v.Member.Path,
				"limit", strconv.FormatUint(uint64(s.pol.MaxFiles), 10))
		}
	}
	return h, v, nil
}

// ExtractAll runs the full pipeline against dst: every accepted member is
// staged, and on end-of-stream the destination's deferred link queue is
// committed. Any fatal error aborts the destination and is returned as-is.
func (s *Session) ExtractAll(ctx context.Context, dst Destination) error {
	for {
		if err := ctx.Err(); err != nil {
			dst.Abort()
			return errs.Wrap(errs.ErrCanceled, "", err)
		}

		h, v, err := s.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			dst.Abort()
			return err
		}
		_ = h

		switch v.Kind {
		case guard.Reject:
			dst.Abort()
			return v.Err
		case guard.Skip:
			continue
		case guard.Accept:
			if err := s.stageAccepted(ctx, v.Member, dst); err != nil {
				dst.Abort()
				return err
			}
		}
	}

	if err := dst.CommitLinks(); err != nil {
		dst.Abort()
		return err
	}
	return nil
}

func (s *Session) stageAccepted(ctx context.Context, m guard.ResolvedMember, dst Destination) error {
	switch m.Type {
	case guard.TypeDir:
		return dst.StageDirectory(m)
	case guard.TypeSymlink, guard.TypeHardlink:
		return dst.DeferLink(m)
	case guard.TypeReg:
		if err := s.copyPayload(ctx, m, dst); err != nil {
			return err
		}
		s.regularFiles = append(s.regularFiles, m.Path)
		return nil
	default:
		return nil
	}
}

// copyPayload streams the current tar member's payload to dst in bounded
// chunks, re-checking the I1-I3 invariants after every chunk against bytes
// actually written rather than the header-declared size.
func (s *Session) copyPayload(ctx context.Context, m guard.ResolvedMember, dst Destination) error {
	limited := &limitedCountingReader{
		r:         s.tr,
		ctx:       ctx,
		session:   s,
		member:    m,
		chunkSize: copyChunk,
	}

	written, err := dst.StageRegular(m, limited)
	if err != nil {
		if limited.failure != nil {
			return limited.failure
		}
		// Errors the destination already tagged with a kind keep it.
		var d *errs.Detail
		if errors.As(err, &d) {
			return err
		}
		return errs.Wrap(errs.ErrAtomicWrite, m.Path, err)
	}

	s.totals.BytesWritten += uint64(written)
	s.decoded += uint64(written)
	return nil
}

// limitedCountingReader wraps the current tar member's reader, checking
// per-chunk budgets as bytes are pulled through it by the sandbox's copy.
type limitedCountingReader struct {
	r         io.Reader
	ctx       context.Context
	session   *Session
	member    guard.ResolvedMember
	chunkSize int
	memberN   uint64
	failure   error
}

func (l *limitedCountingReader) Read(p []byte) (int, error) {
	if l.failure != nil {
		return 0, l.failure
	}
	if err := l.ctx.Err(); err != nil {
		l.failure = errs.Wrap(errs.ErrCanceled, l.member.Path, err)
		return 0, l.failure
	}

	if len(p) > l.chunkSize {
		p = p[:l.chunkSize]
	}

	n, err := l.r.Read(p)
	if n > 0 {
		l.memberN += uint64(n)
		total := l.session.totals.BytesWritten + l.memberN

		if l.memberN > l.session.pol.MaxFileSize {
			l.failure = errs.New(errs.ErrFileTooLarge, l.member.Path,
				"limit", strconv.FormatUint(l.session.pol.MaxFileSize, 10), "written", strconv.FormatUint(l.memberN, 10))
			return n, l.failure
		}
		if total > l.session.pol.MaxTotalSize {
			l.failure = errs.New(errs.ErrTotalSizeExceeded, l.member.Path,
				"limit", strconv.FormatUint(l.session.pol.MaxTotalSize, 10), "written", strconv.FormatUint(total, 10))
			return n, l.failure
		}

		// The ratio compares this archive's own decoded output against its
		// own compressed input; a nested archive's ratio is judged on its
		// own stream, even though the size budgets above are shared.
		decoded := l.session.decoded + l.memberN
		compressed := l.session.counted.n
		if decoded >= warmupBytes && compressed > 0 {
			ratio := float64(decoded) / float64(compressed)
			if ratio > l.session.pol.MaxRatio {
				l.failure = errs.New(errs.ErrRatioExceeded, l.member.Path,
					"limit", ftoa(l.session.pol.MaxRatio), "observed", ftoa(ratio))
				return n, l.failure
			}
		}
	}
	if err != nil && err != io.EOF {
		l.failure = errs.Wrap(errs.ErrMalformedArchive, l.member.Path, err)
		return n, l.failure
	}
	return n, err
}

// Close is idempotent; it marks the session closed. The reader passed to
// Open is not closed: it stays owned by the caller.
func (s *Session) Close() error {
	s.closed = true
	return nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

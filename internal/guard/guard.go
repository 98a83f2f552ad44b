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

package guard

import (
	"os"
	"strconv"
	"time"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/barseghyanartur/safetar/internal/policy"
	"github.com/barseghyanartur/safetar/sanitizer"
)

// VerdictKind is the guard's three-way outcome for a member.
type VerdictKind int

const (
	// Accept means the member should be staged by the sandbox.
	Accept VerdictKind = iota
	// Reject means the member is fatal to the extraction.
	Reject
	// Skip means the member is silently dropped (e.g. SymlinkIgnore), with
	// an informational event but no extraction failure.
	Skip
)

// Verdict is the guard's decision for one member.
type Verdict struct {
	Kind     VerdictKind
	Member   ResolvedMember
	Err      *errs.Detail
	Event    *policy.SecurityEvent
}

const maxSize = 1<<63 - 1

// maxUnixTime is the inclusive clamp upper bound for a 32-bit unsigned
// Unix timestamp (2106-02-07T06:28:15Z), matching the spec's mtime clamp.
const maxUnixTime = int64(1<<32 - 1)

// Check inspects one member under p and returns the guard's verdict. It does
// not touch the filesystem.
func Check(h MemberHeader, p policy.Policy) Verdict {
	canonical, ok := sanitizer.Canonicalize(h.Name)
	if !ok {
		return rejectVerdict(errs.ErrUnsafePath, h.Name, "reason", "path failed canonicalization")
	}

	notes := map[string]string{}
	if sanitizer.HasWindowsShortFilenames(canonical) {
		notes["windows_short_filename"] = "true"
	}

	effectiveType := h.Type
	switch h.Type {
	case TypeChardev, TypeBlockdev, TypeFifo, TypeUnknown:
		return rejectVerdict(errs.ErrForbiddenType, canonical, "type", typeName(h.Type))

	case TypeSparse:
		if p.SparsePolicy != policy.SparseMaterialise {
			return rejectVerdict(errs.ErrSparsePolicy, canonical, "type", "sparse")
		}
		effectiveType = TypeReg
		notes["sparse_materialized"] = "true"

	case TypeSymlink:
		switch p.SymlinkPolicy {
		case policy.SymlinkReject:
			return rejectVerdict(errs.ErrSymlinkPolicy, canonical, "type", "symlink")
		case policy.SymlinkIgnore:
			return Verdict{
				Kind: Skip,
				Event: &policy.SecurityEvent{
					EventType:  "symlink_ignored",
					MemberPath: canonical,
					Timestamp:  time.Now(),
				},
			}
		case policy.SymlinkResolveInternal:
			// staged for deferred validation by the sandbox; fall through.
		}

	case TypeHardlink:
		if p.HardlinkPolicy != policy.HardlinkInternal {
			return rejectVerdict(errs.ErrHardlinkPolicy, canonical, "type", "hardlink")
		}
	}

	if h.Size < 0 || h.Size >= maxSize {
		return rejectVerdict(errs.ErrMalformedArchive, canonical, "field", "size")
	}
	if (effectiveType == TypeReg) && uint64(h.Size) > p.MaxFileSize {
		return rejectVerdict(errs.ErrFileTooLarge, canonical,
			"limit", strconv.FormatInt(int64(p.MaxFileSize), 10), "declared", strconv.FormatInt(h.Size, 10))
	}

	mode := h.Mode
	if p.StripSpecialBits {
		// Archive mode fields use raw POSIX bits (04000/02000/01000 for
		// setuid/setgid/sticky), not fs.FileMode's Go-side bit positions.
		const posixSetuid = 0o4000
		const posixSetgid = 0o2000
		const posixSticky = 0o1000
		stripped := mode &^ (posixSetuid | posixSetgid | posixSticky)
		if stripped != mode {
			notes["special_bits_stripped"] = "true"
		}
		mode = stripped
	}

	uid, gid := h.Uid, h.Gid
	if !p.PreserveOwnership {
		uid, gid = os.Getuid(), os.Getgid()
	}

	mtime := h.ModTime
	if p.ClampTimestamps {
		sec := mtime.Unix()
		if sec < 0 {
			mtime = time.Unix(0, 0).UTC()
			notes["mtime_clamped"] = "true"
		} else if sec > maxUnixTime {
			mtime = time.Unix(maxUnixTime, 0).UTC()
			notes["mtime_clamped"] = "true"
		}
	}

	resolved := ResolvedMember{
		Path:       canonical,
		Type:       effectiveType,
		Size:       h.Size,
		Mode:       mode,
		Uid:        uid,
		Gid:        gid,
		ModTime:    mtime,
		LinkTarget: h.LinkTarget,
	}

	var ev *policy.SecurityEvent
	if len(notes) > 0 {
		ev = &policy.SecurityEvent{
			EventType:  "member_clamped",
			MemberPath: canonical,
			Detail:     notes,
			Timestamp:  time.Now(),
		}
	}

	return Verdict{Kind: Accept, Member: resolved, Event: ev}
}

func rejectVerdict(kind error, memberPath string, kv ...string) Verdict {
	d := errs.New(kind, memberPath, kv...)
	detail := map[string]string{}
	for k, v := range d.Info {
		detail[k] = v
	}
	return Verdict{
		Kind: Reject,
		Err:  d,
		Event: &policy.SecurityEvent{
			EventType:  "member_rejected",
			MemberPath: memberPath,
			Detail:     detail,
			Timestamp:  time.Now(),
		},
	}
}

func typeName(t MemberType) string {
	switch t {
	case TypeChardev:
		return "chardev"
	case TypeBlockdev:
		return "blockdev"
	case TypeFifo:
		return "fifo"
	default:
		return "unknown"
	}
}


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

// Package errs defines the tagged error kinds the extraction core can raise.
//
// Every fatal error raised by guard, streamer, or sandbox is one of the
// sentinel values below, usually wrapped in a *Detail carrying member-specific
// context; Detail.Unwrap returns the sentinel, so callers can still use
// errors.Is against it.
package errs

import "errors"

// Sentinel error kinds. Each corresponds to one of the tagged error kinds in
// the extraction design: path/type/budget/policy/link/filesystem/input
// failures.
var (
	ErrUnsafePath        = errors.New("safetar: unsafe path")
	ErrForbiddenType     = errors.New("safetar: forbidden member type")
	ErrFileTooLarge      = errors.New("safetar: file too large")
	ErrTotalSizeExceeded = errors.New("safetar: total size exceeded")
	ErrMaxFilesExceeded  = errors.New("safetar: too many files")
	ErrRatioExceeded     = errors.New("safetar: decompression ratio exceeded")
	ErrSymlinkPolicy     = errors.New("safetar: symlink not permitted by policy")
	ErrHardlinkPolicy    = errors.New("safetar: hardlink not permitted by policy")
	ErrSparsePolicy      = errors.New("safetar: sparse member not permitted by policy")
	ErrLinkEscape        = errors.New("safetar: link target escapes destination root")
	ErrAtomicWrite       = errors.New("safetar: atomic write failed")
	ErrSandbox           = errors.New("safetar: sandbox filesystem error")
	ErrUnsupportedFormat = errors.New("safetar: unsupported archive transport")
	ErrArchiveOpen       = errors.New("safetar: cannot open archive")
	ErrMalformedArchive  = errors.New("safetar: malformed archive")
	ErrPolicy            = errors.New("safetar: invalid policy")
	ErrCanceled          = errors.New("safetar: extraction canceled")
)

// Detail is a structured error carrying the member path and a free-form
// detail map (limit values, observed values) alongside the sentinel kind it
// wraps. It is returned from guard/streamer/sandbox instead of a bare
// sentinel whenever there is member-specific context to attach.
type Detail struct {
	Kind       error
	MemberPath string
	Info       map[string]string
	Cause      error
}

func (e *Detail) Error() string {
	msg := e.Kind.Error()
	if e.MemberPath != "" {
		msg += ": " + e.MemberPath
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Detail) Unwrap() error {
	return e.Kind
}

// New builds a Detail wrapping kind for the given member path, with optional
// key/value pairs flattened into Info (must be provided in pairs).
func New(kind error, memberPath string, kv ...string) *Detail {
	d := &Detail{Kind: kind, MemberPath: memberPath}
	if len(kv) > 0 {
		d.Info = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			d.Info[kv[i]] = kv[i+1]
		}
	}
	return d
}

// Wrap builds a Detail wrapping kind with an underlying cause error.
func Wrap(kind error, memberPath string, cause error) *Detail {
	return &Detail{Kind: kind, MemberPath: memberPath, Cause: cause}
}

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

// Package policy holds the immutable extraction configuration and the
// structured security-event record emitted on rejection or notable clamp.
package policy

import (
	"time"

	"github.com/barseghyanartur/safetar/internal/errs"
)

// SymlinkPolicy controls how the guard treats TypeSymlink members.
type SymlinkPolicy int

const (
	// SymlinkReject rejects every symlink member. This is the default: no
	// legitimate archive needs a destination-escaping link.
	SymlinkReject SymlinkPolicy = iota
	// SymlinkIgnore silently skips symlink members, emitting an event.
	SymlinkIgnore
	// SymlinkResolveInternal stages the link for deferred, re-verified
	// creation once every regular file has been committed.
	SymlinkResolveInternal
)

// HardlinkPolicy controls how the guard treats TypeHardlink members.
type HardlinkPolicy int

const (
	// HardlinkReject rejects every hardlink member.
	HardlinkReject HardlinkPolicy = iota
	// HardlinkInternal allows hardlinks whose target resolves, at commit
	// time, to a file already committed inside the destination root.
	HardlinkInternal
)

// SparsePolicy controls how the guard treats GNU sparse members.
type SparsePolicy int

const (
	// SparseReject rejects every sparse member.
	SparseReject SparsePolicy = iota
	// SparseMaterialise downgrades sparse members to regular files and has
	// the streamer write zero-filled holes densely.
	SparseMaterialise
)

// Policy is the immutable configuration shared by the guard, streamer, and
// sandbox for one extraction. It is created once per extraction and never
// mutated; nested archives (see the nesting package) reuse the same value so
// that budgets accumulate across levels.
type Policy struct {
	MaxFileSize      uint64
	MaxTotalSize     uint64
	MaxFiles         uint32
	MaxRatio         float64
	MaxNestingDepth  uint8
	SymlinkPolicy    SymlinkPolicy
	HardlinkPolicy   HardlinkPolicy
	SparsePolicy     SparsePolicy
	StripSpecialBits bool
	PreserveOwnership bool
	ClampTimestamps  bool

	// OnEvent, if non-nil, is invoked synchronously for every SecurityEvent
	// emitted during extraction. It must not mutate the session; a panic or
	// the callback's own error (there is no return path for one) is never
	// allowed to abort the extraction, so sessions wrap it defensively.
	OnEvent func(SecurityEvent)
}

// Default returns the spec's documented defaults.
func Default() Policy {
	return Policy{
		MaxFileSize:      1 << 30,       // 1 GiB
		MaxTotalSize:     5 << 30,       // 5 GiB
		MaxFiles:         10000,
		MaxRatio:         200.0,
		MaxNestingDepth:  3,
		SymlinkPolicy:    SymlinkReject,
		HardlinkPolicy:   HardlinkReject,
		SparsePolicy:     SparseReject,
		StripSpecialBits: true,
		PreserveOwnership: false,
		ClampTimestamps:  true,
	}
}

// Validate rejects invalid policy combinations.
func (p Policy) Validate() error {
	if p.MaxRatio < 1.0 {
		return errs.New(errs.ErrPolicy, "", "field", "MaxRatio", "value", "must be >= 1.0")
	}
	if p.MaxFileSize == 0 {
		return errs.New(errs.ErrPolicy, "", "field", "MaxFileSize", "value", "must be > 0")
	}
	if p.MaxTotalSize == 0 {
		return errs.New(errs.ErrPolicy, "", "field", "MaxTotalSize", "value", "must be > 0")
	}
	if p.MaxFiles == 0 {
		return errs.New(errs.ErrPolicy, "", "field", "MaxFiles", "value", "must be > 0")
	}
	return nil
}

// Emit delivers ev to the policy's event callback, if any, swallowing a
// panicking callback into a single internal-warning event rather than
// letting it escape and abort extraction (per the event callback contract).
func (p Policy) Emit(ev SecurityEvent) {
	if p.OnEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.OnEvent(SecurityEvent{
				EventType: "internal_warning",
				Detail:    map[string]string{"panic": "event callback panicked"},
				Timestamp: time.Now(),
			})
		}
	}()
	p.OnEvent(ev)
}

// SecurityEvent is emitted on each rejection or notable clamp.
type SecurityEvent struct {
	EventType  string
	ArchiveHash string
	MemberPath string
	Detail     map[string]string
	Timestamp  time.Time
}

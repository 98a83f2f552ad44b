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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/barseghyanartur/safetar/internal/policy"
)

func TestCheckTarSlip(t *testing.T) {
	v := Check(MemberHeader{Name: "../etc/passwd", Type: TypeReg, Size: 4}, policy.Default())
	if v.Kind != Reject {
		t.Fatalf("want Reject, got %v", v.Kind)
	}
	if !errors.Is(v.Err, errs.ErrUnsafePath) {
		t.Fatalf("want ErrUnsafePath, got %v", v.Err)
	}
}

func TestCheckForbiddenTypes(t *testing.T) {
	for _, ty := range []MemberType{TypeChardev, TypeBlockdev, TypeFifo, TypeUnknown} {
		v := Check(MemberHeader{Name: "dev/null", Type: ty}, policy.Default())
		if v.Kind != Reject {
			t.Fatalf("type %v: want Reject, got %v", ty, v.Kind)
		}
		if !errors.Is(v.Err, errs.ErrForbiddenType) {
			t.Fatalf("type %v: want ErrForbiddenType, got %v", ty, v.Err)
		}
	}
}

func TestCheckSymlinkPolicies(t *testing.T) {
	h := MemberHeader{Name: "link", Type: TypeSymlink, LinkTarget: "target"}

	p := policy.Default()
	p.SymlinkPolicy = policy.SymlinkReject
	if v := Check(h, p); v.Kind != Reject || !errors.Is(v.Err, errs.ErrSymlinkPolicy) {
		t.Fatalf("reject policy: got %+v", v)
	}

	p.SymlinkPolicy = policy.SymlinkIgnore
	if v := Check(h, p); v.Kind != Skip {
		t.Fatalf("ignore policy: want Skip, got %v", v.Kind)
	}

	p.SymlinkPolicy = policy.SymlinkResolveInternal
	v := Check(h, p)
	if v.Kind != Accept {
		t.Fatalf("resolve-internal policy: want Accept, got %v (%v)", v.Kind, v.Err)
	}
	if v.Member.LinkTarget != "target" {
		t.Fatalf("link target not preserved: %+v", v.Member)
	}
}

func TestCheckHardlinkForwardPolicy(t *testing.T) {
	h := MemberHeader{Name: "b", Type: TypeHardlink, LinkTarget: "c"}
	p := policy.Default()
	if v := Check(h, p); v.Kind != Reject || !errors.Is(v.Err, errs.ErrHardlinkPolicy) {
		t.Fatalf("default policy should reject hardlinks, got %+v", v)
	}

	p.HardlinkPolicy = policy.HardlinkInternal
	if v := Check(h, p); v.Kind != Accept {
		t.Fatalf("internal policy: want Accept, got %v (%v)", v.Kind, v.Err)
	}
}

func TestCheckFileTooLarge(t *testing.T) {
	p := policy.Default()
	p.MaxFileSize = 10
	v := Check(MemberHeader{Name: "big", Type: TypeReg, Size: 11}, p)
	if v.Kind != Reject || !errors.Is(v.Err, errs.ErrFileTooLarge) {
		t.Fatalf("want ErrFileTooLarge, got %+v", v)
	}
}

func TestCheckStripsSetuid(t *testing.T) {
	v := Check(MemberHeader{Name: "f", Type: TypeReg, Mode: 0o4755}, policy.Default())
	if v.Kind != Accept {
		t.Fatalf("want Accept, got %v (%v)", v.Kind, v.Err)
	}
	if v.Member.Mode != 0o755 {
		t.Fatalf("want mode 0755, got %o", v.Member.Mode)
	}
	if v.Event == nil || v.Event.Detail["special_bits_stripped"] != "true" {
		t.Fatalf("want clamp event, got %+v", v.Event)
	}
}

func TestCheckClampsNegativeTimestamp(t *testing.T) {
	v := Check(MemberHeader{Name: "f", Type: TypeReg, ModTime: time.Unix(-1, 0)}, policy.Default())
	if v.Kind != Accept {
		t.Fatalf("want Accept, got %v (%v)", v.Kind, v.Err)
	}
	if !v.Member.ModTime.Equal(time.Unix(0, 0)) {
		t.Fatalf("want mtime clamped to epoch, got %v", v.Member.ModTime)
	}
	if v.Event == nil || v.Event.Detail["mtime_clamped"] != "true" {
		t.Fatalf("want mtime_clamped note, got %+v", v.Event)
	}
}

func TestCheckSparsePolicy(t *testing.T) {
	p := policy.Default()
	if v := Check(MemberHeader{Name: "s", Type: TypeSparse}, p); v.Kind != Reject || !errors.Is(v.Err, errs.ErrSparsePolicy) {
		t.Fatalf("default policy should reject sparse, got %+v", v)
	}

	p.SparsePolicy = policy.SparseMaterialise
	v := Check(MemberHeader{Name: "s", Type: TypeSparse}, p)
	if v.Kind != Accept || v.Member.Type != TypeReg {
		t.Fatalf("want downgraded Accept to TypeReg, got %+v", v)
	}
}

func TestCheckNotesWindowsShortFilename(t *testing.T) {
	v := Check(MemberHeader{Name: "docs/FOOOOO~1.JPG", Type: TypeReg}, policy.Default())
	if v.Kind != Accept {
		t.Fatalf("want Accept, got %v (%v)", v.Kind, v.Err)
	}
	if v.Event == nil || v.Event.Detail["windows_short_filename"] != "true" {
		t.Fatalf("want windows_short_filename clamp note, got %+v", v.Event)
	}
}

func TestCheckResolvedMemberMatchesExpected(t *testing.T) {
	h := MemberHeader{
		Name:    "a/b/c.txt",
		Type:    TypeReg,
		Size:    5,
		Mode:    0o644,
		ModTime: time.Unix(1700000000, 0),
	}
	want := ResolvedMember{
		Path: "a/b/c.txt",
		Type: TypeReg,
		Size: 5,
		Mode: 0o644,
	}

	v := Check(h, policy.Default())
	if v.Kind != Accept {
		t.Fatalf("want Accept, got %v (%v)", v.Kind, v.Err)
	}
	// Uid/Gid are replaced with the process's ids by Check and ModTime is
	// passed through from the header, so they're irrelevant to this comparison.
	if diff := cmp.Diff(want, v.Member, cmpopts.IgnoreFields(ResolvedMember{}, "Uid", "Gid", "ModTime")); diff != "" {
		t.Fatalf("resolved member mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckOwnershipDefaultsToProcess(t *testing.T) {
	v := Check(MemberHeader{Name: "f", Type: TypeReg, Uid: 9999, Gid: 9999}, policy.Default())
	if v.Kind != Accept {
		t.Fatalf("want Accept, got %v", v.Kind)
	}
	if v.Member.Uid == 9999 || v.Member.Gid == 9999 {
		t.Fatalf("ownership should be replaced by default, got uid=%d gid=%d", v.Member.Uid, v.Member.Gid)
	}
}

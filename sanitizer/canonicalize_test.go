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

package sanitizer

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantOK    bool
		wantClean string
	}{
		{name: "plain relative", in: "a/b/c.txt", wantOK: true, wantClean: "a/b/c.txt"},
		{name: "leading dot-slash", in: "./a/./b", wantOK: true, wantClean: "a/b"},
		{name: "trailing slash collapses", in: "a/b/", wantOK: true, wantClean: "a/b"},
		{name: "dotdot rejected", in: "../etc/passwd", wantOK: false},
		{name: "embedded dotdot rejected", in: "a/../../b", wantOK: false},
		{name: "absolute rejected", in: "/etc/passwd", wantOK: false},
		{name: "drive letter rejected", in: "C:/Windows/System32", wantOK: false},
		{name: "backslash rejected", in: `a\b`, wantOK: false},
		{name: "NUL rejected", in: "a\x00b", wantOK: false},
		{name: "empty after cleaning rejected", in: ".", wantOK: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Canonicalize(tc.in)
			if ok != tc.wantOK {
				t.Fatalf("Canonicalize(%q) ok = %v, want %v", tc.in, ok, tc.wantOK)
			}
			if ok && got != tc.wantClean {
				t.Fatalf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.wantClean)
			}
		})
	}
}

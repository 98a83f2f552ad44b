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

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize decides whether an archive member name is safe to extract,
// without ever rewriting a hostile name into a safe one. It returns the
// canonical, NFC-normalized, slash-separated relative path and ok=true only
// when in is already free of NUL bytes, is not absolute (including a
// drive-letter form), and contains no ".." component once split on both
// archive-convention and platform separators. Any other input reports
// ok=false and the caller must reject the member outright.
func Canonicalize(in string) (canonical string, ok bool) {
	if strings.IndexByte(in, 0) != -1 {
		return "", false
	}

	normalized := norm.NFC.String(in)

	// Archives use '/' by convention; a raw backslash is either a Windows
	// path from a misbehaving producer or an attempt to smuggle a traversal
	// past a naive forward-slash-only check. Either way it's inconsistent
	// with the archive convention and gets rejected, not translated.
	if strings.ContainsRune(normalized, '\\') {
		return "", false
	}

	if strings.HasPrefix(normalized, "/") {
		return "", false
	}
	if len(normalized) >= 2 && normalized[1] == ':' {
		// drive-letter form, e.g. "C:/something"
		return "", false
	}

	var clean []string
	for _, part := range strings.Split(normalized, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", false
		default:
			clean = append(clean, part)
		}
	}
	if len(clean) == 0 {
		return "", false
	}

	return strings.Join(clean, "/"), true
}

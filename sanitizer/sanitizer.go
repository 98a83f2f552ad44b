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

// Package sanitizer provides the lexical path primitives the guard package
// builds its canonicalization checks on. Canonicalize (in canonicalize.go)
// is the reject-don't-fix entry point the guard uses to decide whether a
// name is safe to accept; HasWindowsShortFilenames is a secondary,
// non-rejecting detector the guard folds into its clamp-notes event, since
// a short-name alias is suspicious but not on its own grounds for refusal.
package sanitizer

import (
	"regexp"
	"strings"
)

var (
	winShortFilenameRegex = regexp.MustCompile(`~\d+\.?`)
)

// HasWindowsShortFilenames reports if any path component look like a Windows short filename.
// Short filenames on Windows may look like this:
// 1(3)~1.PNG     1 (3) (1).png
// DOWNLO~1       Downloads
// FOOOOO~1.JPG   fooooooooo.png.gif.jpg
func HasWindowsShortFilenames(in string) bool {
	in = strings.ReplaceAll(in, "\\", "/")
	parts := strings.Split(in, "/")
	for _, part := range parts {
		matched := winShortFilenameRegex.MatchString(part)
		if matched {
			return true
		}
	}
	return false
}

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

// Package nesting implements the thin recursive-archive controller that
// wraps the streamer: after an extraction has staged its members and
// committed its links, and before its sandbox is marked committed, every
// accepted regular
// file whose name looks like an archive is re-extracted into a sibling
// directory, decrementing the remaining depth budget. Budgets are not reset
// across levels — the same Policy and its accumulated counters apply
// recursively.
package nesting

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/barseghyanartur/safetar/internal/policy"
	"github.com/barseghyanartur/safetar/internal/sandbox"
	"github.com/barseghyanartur/safetar/internal/streamer"
)

var recognizedExtensions = []string{
	".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz", ".tar",
}

// candidateArchive reports whether name looks like a nested archive, per
// the recognized extension list.
func candidateArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range recognizedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Expand walks the regular files just extracted into destRoot and, for each
// one that looks like an archive, re-invokes the full pipeline into a
// sibling directory at depth+1, provided depth < policy.MaxNestingDepth.
// Files left un-expanded because the depth budget is exhausted remain on
// disk exactly as extracted; a NestingDepthReached event is emitted for
// each.
//
// totals carries the parent extraction's budget counters; every nested
// session accumulates into it, so MaxFiles and MaxTotalSize bound the whole
// tree of archives, not each level separately. A nil totals starts a fresh
// budget (used when Expand is the outermost call).
func Expand(ctx context.Context, destRoot string, regularFiles []string, pol policy.Policy, depth uint8, totals *streamer.Totals) error {
	if totals == nil {
		totals = &streamer.Totals{}
	}
	var expanded []string
	for _, rel := range regularFiles {
		if !candidateArchive(rel) {
			continue
		}

		abs := filepath.Join(destRoot, filepath.FromSlash(rel))

		if depth >= pol.MaxNestingDepth {
			pol.Emit(policy.SecurityEvent{
				EventType:  "nesting_depth_reached",
				MemberPath: rel,
				Detail:     map[string]string{"depth": strconv.Itoa(int(depth))},
				Timestamp:  time.Now(),
			})
			continue
		}

		subDir := abs + "-extracted"
		_, statErr := os.Lstat(subDir)
		if err := extractOne(ctx, abs, subDir, pol, depth+1, totals); err != nil {
			// Earlier siblings committed their own sandboxes; remove the
			// directories they created so no expansion outlives the failure.
			for i := len(expanded) - 1; i >= 0; i-- {
				_ = os.RemoveAll(expanded[i])
			}
			return err
		}
		if os.IsNotExist(statErr) {
			expanded = append(expanded, subDir)
		}
	}
	return nil
}

func extractOne(ctx context.Context, archivePath, destDir string, pol policy.Policy, depth uint8, totals *streamer.Totals) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	sess, err := streamer.Open(f, pol)
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.ShareTotals(totals)

	sb, err := sandbox.Open(destDir, pol)
	if err != nil {
		return err
	}

	if err := sess.ExtractAll(ctx, sb); err != nil {
		return err
	}

	if err := Expand(ctx, destDir, sess.RegularFiles(), pol, depth, totals); err != nil {
		sb.Abort()
		return err
	}
	sb.Commit()
	return nil
}

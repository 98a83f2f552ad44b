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

package streamer

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/barseghyanartur/safetar/internal/errs"
	"github.com/ulikunitz/xz"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte{0x42, 0x5a, 0x68}
	xzMagic    = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}

	// zipMagic and the other recognized-but-unsupported archive formats are
	// rejected outright rather than being handed to the tar reader, which
	// would otherwise fail with a confusing MalformedArchiveError.
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
	sevenZMagic = []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}
)

// detectTransport peeks at the first few bytes of r to identify the
// compression wrapper, then returns a reader that decodes it. Plain TAR
// (no recognized magic) is passed through unchanged.
func detectTransport(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 512)

	peek, _ := br.Peek(len(xzMagic))
	switch {
	case hasPrefix(peek, zipMagic), hasPrefix(peek, sevenZMagic):
		return nil, errs.New(errs.ErrUnsupportedFormat, "")
	case hasPrefix(peek, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errs.Wrap(errs.ErrArchiveOpen, "", err)
		}
		return gz, nil
	case hasPrefix(peek, bzip2Magic):
		return bzip2.NewReader(br), nil
	case hasPrefix(peek, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, errs.Wrap(errs.ErrArchiveOpen, "", err)
		}
		return xr, nil
	default:
		return br, nil
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

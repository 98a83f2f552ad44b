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
	"archive/tar"

	"github.com/barseghyanartur/safetar/internal/guard"
)

// fromTarHeader promotes a raw archive/tar header (which has already
// reassembled any GNU long-name/long-link continuation and PAX records) into
// the guard's strongly typed MemberHeader.
func fromTarHeader(h *tar.Header) guard.MemberHeader {
	_, hasPath := h.PAXRecords["path"]
	_, hasLinkpath := h.PAXRecords["linkpath"]
	_, hasSize := h.PAXRecords["size"]

	return guard.MemberHeader{
		Name:           h.Name,
		Type:           fromTypeflag(h.Typeflag),
		Size:           h.Size,
		Mode:           h.Mode,
		Uid:            h.Uid,
		Gid:            h.Gid,
		ModTime:        h.ModTime,
		LinkTarget:     h.Linkname,
		HasPaxPath:     hasPath,
		HasPaxLinkpath: hasLinkpath,
		HasPaxSize:     hasSize,
	}
}

func fromTypeflag(t byte) guard.MemberType {
	switch t {
	case tar.TypeReg, tar.TypeRegA:
		return guard.TypeReg
	case tar.TypeDir:
		return guard.TypeDir
	case tar.TypeSymlink:
		return guard.TypeSymlink
	case tar.TypeLink:
		return guard.TypeHardlink
	case tar.TypeChar:
		return guard.TypeChardev
	case tar.TypeBlock:
		return guard.TypeBlockdev
	case tar.TypeFifo:
		return guard.TypeFifo
	case tar.TypeGNUSparse:
		return guard.TypeSparse
	default:
		return guard.TypeUnknown
	}
}

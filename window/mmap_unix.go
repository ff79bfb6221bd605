// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

//go:build linux || darwin
// +build linux darwin

package window

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapReadOnly maps [off, off+length) of f read-only and shared, the
// same MAP_SHARED/PROT_READ combination tenant/dcache/file_linux.go
// in the teacher repo uses for its read-only cache mappings.
func mmapReadOnly(f *os.File, off, length int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), off, int(length), unix.PROT_READ, unix.MAP_SHARED)
}

func munmap(buf []byte) error {
	return unix.Munmap(buf)
}

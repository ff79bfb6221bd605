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

//go:build !linux && !darwin
// +build !linux,!darwin

package window

import "os"

// mmapReadOnly falls back to a plain read on platforms without a
// real mmap syscall available through x/sys/unix, the same fallback
// tenant/dcache/file_other.go in the teacher repo uses: windows into
// this span just aren't backed by the page cache directly, but the
// pool/refcounting contract above them is unaffected.
func mmapReadOnly(f *os.File, off, length int64) ([]byte, error) {
	buf := make([]byte, length)
	_, err := f.ReadAt(buf, off)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func munmap(buf []byte) error {
	return nil
}

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

// Package window provides reference-counted, memory-mapped windows
// onto file-backed images. One Pool exists per image; regions attach
// a Window from the pool rather than copying file contents into a
// pixel buffer.
//
// The refcounting and acquire/release choreography here is modeled
// directly on the mapping type in tenant/dcache/cache.go in the
// teacher repository: a window already covering the requested range
// is shared (ref bumped) instead of re-mapped, and the underlying
// mapping is only torn down once the last region holding it lets go.
package window

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tilegraph/core/pixsrc"
)

// ErrNotFileBacked is returned by Acquire when asked to map an image
// that has no backing *os.File.
var ErrNotFileBacked = errors.New("window: image is not file-backed")

// errForeignWindow is the panic value used when Release is called on
// a Window that did not come from the pool releasing it — a caller
// bug, not a recoverable condition (letting it slide would leak
// mapped address space indefinitely).
const errForeignWindow = "window: Release called with a window not owned by this pool"

// Window is a page-aligned mapped span covering a contiguous range
// of image lines, shared by however many regions currently hold a
// reference to it.
type Window struct {
	pool *Pool

	mapped []byte // the full page-aligned mapping, for unmapping
	top    int    // first image line covered
	height int    // number of image lines covered
	data   []byte // slice of mapped starting at line `top`

	refCount int32
}

// Top returns the first image line this window covers.
func (w *Window) Top() int { return w.top }

// Height returns the number of image lines this window covers.
func (w *Window) Height() int { return w.height }

// Data returns the pixel bytes starting at line Top.
func (w *Window) Data() []byte { return w.data }

// covers reports whether this window's mapped range fully contains
// [top, top+height).
func (w *Window) covers(top, height int) bool {
	return top >= w.top && top+height <= w.top+w.height
}

// Pool owns every live Window for one image. Acquire/Release are
// safe for concurrent use from multiple goroutines on the same pool.
type Pool struct {
	mu      sync.Mutex
	image   pixsrc.Image
	file    *os.File
	windows []*Window
}

var (
	registryMu sync.Mutex
	registry   = map[pixsrc.Image]*Pool{}
)

// poolFor returns the Pool for im, creating it on first use around
// the file handle im.File() reports.
func poolFor(im pixsrc.Image) (*Pool, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if p, ok := registry[im]; ok {
		return p, nil
	}
	f, ok := im.File()
	if !ok {
		return nil, ErrNotFileBacked
	}
	p := &Pool{image: im, file: f}
	registry[im] = p
	return p, nil
}

// Drop removes the pool registered for im. It is a no-op if im has
// no pool. Callers use this when an image is closed and its windows
// are known to have all been released.
func Drop(im pixsrc.Image) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, im)
}

// Acquire returns a Window covering at least [top, top+height) of
// im's lines, creating a fresh mapping if no existing window already
// covers that range. The returned window holds one reference; the
// caller must call Release when done.
func Acquire(im pixsrc.Image, top, height int) (*Window, error) {
	p, err := poolFor(im)
	if err != nil {
		return nil, err
	}
	return p.acquire(top, height)
}

func (p *Pool) acquire(top, height int) (*Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.windows {
		if w.covers(top, height) {
			w.refCount++
			return w, nil
		}
	}

	lineSize := pixsrc.LineSize(p.image)
	pageSize := os.Getpagesize()

	// byte offset of the first requested line, rounded down to a
	// page boundary
	wantOff := int64(top) * int64(lineSize)
	mapOff := (wantOff / int64(pageSize)) * int64(pageSize)

	// byte offset just past the last requested line, rounded up to
	// a page boundary
	wantEnd := int64(top+height) * int64(lineSize)
	mapEnd := ((wantEnd + int64(pageSize) - 1) / int64(pageSize)) * int64(pageSize)

	fi, err := p.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("window: stat: %w", err)
	}
	if mapEnd > fi.Size() {
		mapEnd = fi.Size()
	}
	mapLen := mapEnd - mapOff
	if mapLen <= 0 {
		return nil, fmt.Errorf("window: requested range [%d,%d) is outside the file", top, top+height)
	}

	mapped, err := mmapReadOnly(p.file, mapOff, mapLen)
	if err != nil {
		return nil, fmt.Errorf("window: mmap: %w", err)
	}

	w := &Window{
		pool:     p,
		mapped:   mapped,
		top:      top,
		height:   int((mapEnd - wantOff) / int64(lineSize)),
		data:     mapped[wantOff-mapOff:],
		refCount: 1,
	}
	p.windows = append(p.windows, w)
	return w, nil
}

// Release drops the caller's reference on w. When the last reference
// is dropped, the mapping is unmapped and removed from the pool.
func (w *Window) Release() error {
	p := w.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, o := range p.windows {
		if o == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(errForeignWindow)
	}

	w.refCount--
	if w.refCount > 0 {
		return nil
	}

	p.windows = append(p.windows[:idx], p.windows[idx+1:]...)
	return munmap(w.mapped)
}

// RefCount reports the current number of outstanding references on
// w. It exists for tests and diagnostics; do not use it to make
// control-flow decisions, as it is stale the instant the lock is
// released.
func (w *Window) RefCount() int32 {
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	return w.refCount
}

// Len returns the number of live windows currently tracked for im.
func Len(im pixsrc.Image) int {
	registryMu.Lock()
	p, ok := registry[im]
	registryMu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.windows)
}

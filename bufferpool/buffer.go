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

// Package bufferpool implements the per-worker, per-image cache of
// completed pixel buffers described in the spec's Buffer pool
// component. A Buffer is "done" once its generator has filled it and
// it has been published into the owning Worker's Cache for its
// image; regions attach to a done Buffer instead of recomputing
// pixels the worker has already produced for the same rectangle.
//
// The refcounted lifecycle (undone -> done -> reserve-or-free) is
// modeled on tenant/dcache/cache.go's mapping type in the teacher
// repository, and the "reuse a retained allocation when one is big
// enough" policy is modeled on vm/malloc.go's page-bitmap allocator,
// scaled down to the handful of entries the spec's reserve freelist
// is meant to hold.
package bufferpool

import (
	"errors"
	"fmt"

	"github.com/tilegraph/core/pixsrc"
	"github.com/tilegraph/core/rect"
)

// ErrAlloc is the sentinel for a failed buffer allocation. New
// allocates with make([]byte, n), which has no error return, so New
// never returns it.
var ErrAlloc = errors.New("bufferpool: allocation failed")

// DefaultReserveSize bounds the per-cache freelist of recently
// unreffed done buffers retained for their allocation. The source
// spec leaves the exact bound unspecified beyond "small, e.g. 4";
// this module adopts 4 as the default and lets callers override it
// per-Worker via Worker.SetReserveSize.
const DefaultReserveSize = 4

// Buffer is an owned rectangle of pixels for one image, produced by
// a generator and cached per worker.
type Buffer struct {
	image    pixsrc.Image
	area     rect.Rect
	pixels   []byte
	refCount int32
	done     bool
	cache    *Cache // non-nil iff done and published
}

// Image returns the image this buffer belongs to.
func (b *Buffer) Image() pixsrc.Image { return b.image }

// Area returns the rectangle this buffer covers.
func (b *Buffer) Area() rect.Rect { return b.area }

// Pixels returns the raw backing bytes. Callers must not retain this
// slice beyond the buffer's lifetime (it may be reused from the
// reserve freelist once unreffed to zero).
func (b *Buffer) Pixels() []byte { return b.pixels }

// Done reports whether the generator has finished filling b.
func (b *Buffer) Done() bool { return b.done }

func bufferSize(im pixsrc.Image, area rect.Rect) int {
	return im.Bands() * im.ElementSize() * area.Width * area.Height
}

// New allocates a fresh, undone buffer of the size needed for area
// on im, for the given worker. If w's cache for im has a reserve
// entry whose allocation is large enough, that allocation is reused
// instead of allocating fresh, mirroring vm.Malloc's "reuse if we
// have a retained page" policy.
func New(w *Worker, im pixsrc.Image, area rect.Rect) (*Buffer, error) {
	need := bufferSize(im, area)
	c := w.cacheFor(im)

	c.mu.Lock()
	var pixels []byte
	if n := len(c.reserve); n > 0 {
		for i, cand := range c.reserve {
			if cap(cand.pixels) >= need {
				pixels = cand.pixels[:need]
				c.reserve = append(c.reserve[:i], c.reserve[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if pixels == nil {
		pixels = make([]byte, need)
	}

	return &Buffer{
		image:    im,
		area:     area,
		pixels:   pixels,
		refCount: 1,
	}, nil
}

// RefExisting searches w's cache for im for a done buffer whose area
// exactly equals rect. On a match it bumps the buffer's refcount and
// returns it; otherwise it returns nil. Per the spec's adopted Open
// Question resolution, the match is by Rect equality, not
// containment.
func RefExisting(w *Worker, im pixsrc.Image, area rect.Rect) *Buffer {
	c := w.cacheFor(im)
	c.mu.Lock()
	defer c.mu.Unlock()
	for b := range c.buffers {
		if rect.Equal(b.area, area) {
			b.refCount++
			return b
		}
	}
	return nil
}

// MarkDone transitions b from undone to done and publishes it into
// w's cache for its image. b must currently have refCount >= 1 and
// must not already be done.
func MarkDone(w *Worker, b *Buffer) error {
	if b.done {
		return fmt.Errorf("bufferpool: MarkDone called on an already-done buffer")
	}
	if b.refCount < 1 {
		return fmt.Errorf("bufferpool: MarkDone called on a buffer with refCount %d", b.refCount)
	}
	c := w.cacheFor(b.image)
	c.mu.Lock()
	defer c.mu.Unlock()
	b.done = true
	b.cache = c
	c.buffers[b] = struct{}{}
	return nil
}

// MarkUndone reverses MarkDone: used when a generator fails partway
// through filling b. b is unlinked from whatever cache it was
// published on, if any.
func MarkUndone(b *Buffer) {
	if !b.done {
		return
	}
	if b.cache != nil {
		b.cache.mu.Lock()
		delete(b.cache.buffers, b)
		b.cache.mu.Unlock()
	}
	b.done = false
	b.cache = nil
}

// Unref drops one reference on b. At zero: a done buffer is moved to
// its cache's reserve freelist (evicting the oldest reserve entry if
// the freelist is full), and an undone buffer is dropped entirely.
func Unref(b *Buffer) {
	b.refCount--
	if b.refCount > 0 {
		return
	}
	if !b.done {
		return
	}
	c := b.cache
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.buffers, b)
	b.done = false
	b.cache = nil
	limit := c.reserveSize
	if limit <= 0 {
		limit = DefaultReserveSize
	}
	if len(c.reserve) >= limit {
		c.reserve = c.reserve[1:]
	}
	c.reserve = append(c.reserve, b)
	c.mu.Unlock()
}

// UnrefThenRef is the vips_buffer_unref_ref convenience: it calls
// Unref(old), then RefExisting(w, im, area), then New(w, im, area) if
// there was no hit. Each step takes the cache lock on its own; the
// sequence is not one critical section, so another goroutine sharing
// the cache can act between the steps.
func UnrefThenRef(w *Worker, old *Buffer, im pixsrc.Image, area rect.Rect) (*Buffer, error) {
	Unref(old)
	if hit := RefExisting(w, im, area); hit != nil {
		return hit, nil
	}
	return New(w, im, area)
}

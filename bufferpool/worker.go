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

package bufferpool

import (
	"sync"

	"github.com/tilegraph/core/pixsrc"
	"golang.org/x/exp/maps"
)

// Cache holds every done Buffer a Worker currently has published for
// one image, plus a small reserve freelist of allocations retained
// after their buffer was unreffed to zero. Go has no per-goroutine
// thread-local storage, so unlike the teacher's per-thread caches
// this state is made explicit: callers own a *Worker and pass it to
// every bufferpool entry point instead of the runtime picking it up
// implicitly.
type Cache struct {
	mu          sync.Mutex
	buffers     map[*Buffer]struct{}
	reserve     []*Buffer
	reserveSize int
}

// Worker is the caller-owned analogue of the teacher's per-thread
// state: one Worker should be used by exactly one goroutine at a
// time (the bufferpool package does not itself enforce this — it is
// a documented contract, the same way VIPS_THREAD in the source spec
// is documented rather than enforced by the kernel).
type Worker struct {
	mu          sync.Mutex
	caches      map[pixsrc.Image]*Cache
	reserveSize int
}

// NewWorker returns a Worker with the default reserve size.
func NewWorker() *Worker {
	return &Worker{caches: map[pixsrc.Image]*Cache{}}
}

// SetReserveSize overrides the number of unreffed done buffers w
// retains per image for reuse. It must be called before any buffers
// are cached, as it only applies to caches created afterward.
func (w *Worker) SetReserveSize(n int) {
	w.mu.Lock()
	w.reserveSize = n
	w.mu.Unlock()
}

func (w *Worker) cacheFor(im pixsrc.Image) *Cache {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.caches[im]; ok {
		return c
	}
	c := &Cache{
		buffers:     map[*Buffer]struct{}{},
		reserveSize: w.reserveSize,
	}
	w.caches[im] = c
	return c
}

// Drop discards w's cache for im entirely, releasing every reserve
// allocation. Done buffers that are still referenced elsewhere are
// left untouched by their owners but are no longer discoverable via
// RefExisting on this worker.
func (w *Worker) Drop(im pixsrc.Image) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.caches, im)
}

// Close tears down w: every per-image cache's reserve freelist is
// iterated and forgotten, and w's cache table is emptied. Done
// buffers still referenced by live regions are untouched by Close —
// their refcounts fall to zero and they're released normally through
// Unref/MarkUndone — Close only discards w's own bookkeeping so a
// retired worker's caches don't linger in memory after its last
// region is closed.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for im, c := range w.caches {
		c.mu.Lock()
		c.reserve = nil
		c.mu.Unlock()
		delete(w.caches, im)
	}
}

// Images returns the set of images w currently has a cache for. It
// exists for diagnostics (cmd/pixprobe) and tests.
func (w *Worker) Images() []pixsrc.Image {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Keys(w.caches)
}

// Stats reports the number of done buffers and reserve entries w is
// holding for im.
func (w *Worker) Stats(im pixsrc.Image) (done, reserved int) {
	c := w.cacheFor(im)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers), len(c.reserve)
}

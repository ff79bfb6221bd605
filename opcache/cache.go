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

// Package opcache implements the process-wide operation memoization
// cache: Operations are keyed by concrete type plus their hashable
// constructor inputs, built at most once per distinct key, and
// evicted least-recently-touched-first once a size bound is
// exceeded.
//
// The hash/equal contract, the touch/trim choreography and the
// exclusive-build-then-reconcile dance are transcribed from
// original_source/libvips/iofuncs/cache.c's vips_cache_operation_get
// / vips_operation_hash / vips_operation_equal / vips_cache_trim, and
// the lock-drop-rebuild-reconcile shape mirrors
// tenant/dcache/cache.go's lockID/unlockID choreography in the
// teacher repository.
package opcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tilegraph/core/internal/heap"
	"github.com/tilegraph/core/logging"
)

// DefaultMaxEntries, DefaultMaxBytes, DefaultMaxFiles are the cache's
// initial bounds, matching VIPS_CACHE_MAX / VIPS_CACHE_MAX_MEM /
// VIPS_CACHE_MAX_FILES's documented defaults (100 entries, 100 MiB,
// 100 files).
const (
	DefaultMaxEntries = 100
	DefaultMaxBytes   = 100 << 20
	DefaultMaxFiles   = 100
)

// ErrBuild wraps any error returned by an Operation's own Build
// method, or ErrBlocked for a Blocked operation's rejected attempt.
var ErrBuild = errors.New("opcache: build failed")

// ErrBlocked is wrapped by ErrBuild when BuildOrReuse is called for
// an operation carrying the Blocked flag.
var ErrBlocked = errors.New("opcache: operation is blocked")

// ErrHashContract is returned (debug builds only, see DebugHashCheck)
// when an operation's hash changes between its first computation and
// the moment it is sealed into the cache after Build.
var ErrHashContract = errors.New("opcache: operation hash changed after Build")

// DebugHashCheck enables the ErrHashContract recompute-and-compare
// check. It costs an extra hashOp call per insert; leave it on in
// tests and off in latency-sensitive production paths.
var DebugHashCheck = true

type entry struct {
	op          Operation
	hash        uint64
	time        int64
	invalid     atomic.Bool
	unsubscribe func()
	bytes       int64
	files       int
}

// Cache is a process-wide memoization table for Operations. The zero
// value is not usable; construct with New.
type Cache struct {
	mu sync.Mutex

	table map[uint64][]*entry // hash bucket -> entries (collisions possible)

	maxEntries int
	maxBytes   int64
	maxFiles   int

	cacheTime int64 // atomic monotonic touch counter

	totalBytes int64
	totalFiles int

	trace atomic.Bool

	// Logger receives logTrace's output when tracing is on. Defaults
	// to logging.Nop, which discards it; callers that want to see
	// trace output call SetLogger.
	Logger logging.Logger

	// producedBy maps an output object (by identity, typically a
	// pixsrc.Image) back to the entry that produced it, so that
	// touching a terminal output transitively touches its upstream
	// producers without images holding a back-reference to their
	// producing entry (see Design Notes: reference cycles).
	producedBy map[any]*entry
}

// New returns a Cache with the default bounds.
func New() *Cache {
	return &Cache{
		table:      map[uint64][]*entry{},
		producedBy: map[any]*entry{},
		maxEntries: DefaultMaxEntries,
		maxBytes:   DefaultMaxBytes,
		maxFiles:   DefaultMaxFiles,
		Logger:     logging.Nop,
	}
}

// SetLogger installs log as the destination for trace output. Passing
// nil restores logging.Nop.
func (c *Cache) SetLogger(log logging.Logger) {
	if log == nil {
		log = logging.Nop
	}
	c.Logger = log
}

var (
	globalOnce sync.Once
	global     *Cache
)

// Global returns the process-wide default Cache, lazily constructed
// on first use.
func Global() *Cache {
	globalOnce.Do(func() { global = New() })
	return global
}

// SetMax sets the maximum number of entries; a trim runs
// synchronously before returning if the new bound is already
// exceeded.
func (c *Cache) SetMax(n int) {
	c.mu.Lock()
	c.maxEntries = n
	c.mu.Unlock()
	c.trim()
}

// SetMaxMem sets the maximum tracked bytes across all live entries,
// trimming synchronously.
func (c *Cache) SetMaxMem(n int64) {
	c.mu.Lock()
	c.maxBytes = n
	c.mu.Unlock()
	c.trim()
}

// SetMaxFiles sets the maximum tracked open files across all live
// entries, trimming synchronously.
func (c *Cache) SetMaxFiles(n int) {
	c.mu.Lock()
	c.maxFiles = n
	c.mu.Unlock()
	c.trim()
}

// SetTrace enables or disables operation-cache trace prints
// (VIPS_TRACE).
func (c *Cache) SetTrace(on bool) {
	c.trace.Store(on)
}

// Size returns the current number of live entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, bucket := range c.table {
		n += len(bucket)
	}
	return n
}

// Dump returns a snapshot of every live entry's hash and touch time,
// for diagnostics.
func (c *Cache) Dump() []struct {
	Hash uint64
	Time int64
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []struct {
		Hash uint64
		Time int64
	}
	for _, bucket := range c.table {
		for _, e := range bucket {
			out = append(out, struct {
				Hash uint64
				Time int64
			}{e.hash, e.time})
		}
	}
	return out
}

// DropAll wipes the cache table entirely, unsubscribing every entry's
// invalidate handler. It is a test and shutdown hook.
func (c *Cache) DropAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bucket := range c.table {
		for _, e := range bucket {
			if e.unsubscribe != nil {
				e.unsubscribe()
			}
		}
	}
	c.table = map[uint64][]*entry{}
	c.producedBy = map[any]*entry{}
	c.totalBytes = 0
	c.totalFiles = 0
}

func (c *Cache) lookupLocked(op Operation) *entry {
	h := hashOp(op)
	for _, e := range c.table[h] {
		if equalOps(e.op, op) {
			return e
		}
	}
	return nil
}

func (c *Cache) evictLocked(e *entry) {
	h := e.hash
	bucket := c.table[h]
	for i, o := range bucket {
		if o == e {
			c.table[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	for _, arg := range e.op.Outputs() {
		if arg.Value.Kind == KindObj && arg.Value.Obj != nil {
			if c.producedBy[arg.Value.Obj] == e {
				delete(c.producedBy, arg.Value.Obj)
			}
		}
	}
	c.totalBytes -= e.bytes
	c.totalFiles -= e.files
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

func (c *Cache) touchLocked(e *entry) {
	seen := map[*entry]bool{}
	c.touchTransitiveLocked(e, seen)
}

func (c *Cache) touchTransitiveLocked(e *entry, seen map[*entry]bool) {
	if seen[e] {
		return
	}
	seen[e] = true
	e.time = atomic.AddInt64(&c.cacheTime, 1)
	for _, arg := range e.op.Inputs() {
		if !arg.Assigned || arg.Value.Kind != KindObj || arg.Value.Obj == nil {
			continue
		}
		if up, ok := c.producedBy[arg.Value.Obj]; ok {
			c.touchTransitiveLocked(up, seen)
		}
	}
}

// BuildOrReuse looks up an equivalent, still-valid entry for op and
// reuses it if found; otherwise it builds op (outside the cache
// mutex) and inserts the result, unless op's Flags() says otherwise.
// ctx is checked once, at entry, purely to decide whether to attempt
// the build at all — there is no mid-build cancellation.
func (c *Cache) BuildOrReuse(ctx context.Context, op Operation) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	flags := op.Flags()

	c.mu.Lock()
	hit := c.lookupLocked(op)
	if hit != nil {
		switch {
		case flags.Has(Blocked):
			c.evictLocked(hit)
			c.mu.Unlock()
			return nil, fmt.Errorf("opcache: %w: %w", ErrBuild, ErrBlocked)
		case flags.Has(Revalidate):
			c.evictLocked(hit)
		case hit.invalid.Load():
			c.evictLocked(hit)
		default:
			c.touchLocked(hit)
			reused := hit.op
			c.mu.Unlock()
			c.logTrace("hit", hit.hash)
			return reused, nil
		}
	}
	c.mu.Unlock()

	if flags.Has(Blocked) {
		return nil, fmt.Errorf("opcache: %w: %w", ErrBuild, ErrBlocked)
	}

	preHash := hashOp(op)
	if err := op.Build(); err != nil {
		return nil, fmt.Errorf("opcache: %w: %w", ErrBuild, err)
	}
	if DebugHashCheck {
		if hashOp(op) != preHash {
			return nil, fmt.Errorf("opcache: %w", ErrHashContract)
		}
	}

	c.mu.Lock()
	if existing := c.lookupLocked(op); existing != nil && !existing.invalid.Load() {
		c.touchLocked(existing)
		reused := existing.op
		c.mu.Unlock()
		c.logTrace("race-adopt", existing.hash)
		return reused, nil
	}

	var result Operation = op
	if !flags.Has(NoCache) {
		e := &entry{op: op, hash: preHash}
		if sh, ok := op.(SizeHint); ok {
			e.bytes = sh.CacheBytes()
			e.files = sh.CacheFiles()
		}
		e.unsubscribe = op.OnInvalidate(func() { e.invalid.Store(true) })
		c.table[preHash] = append(c.table[preHash], e)
		for _, arg := range op.Outputs() {
			if arg.Value.Kind == KindObj && arg.Value.Obj != nil {
				c.producedBy[arg.Value.Obj] = e
			}
		}
		c.totalBytes += e.bytes
		c.totalFiles += e.files
		c.touchLocked(e)
		c.logTrace("insert", e.hash)
	}
	c.mu.Unlock()

	c.trim()
	return result, nil
}

// trim evicts least-recently-touched entries until every bound (max
// entries, max tracked bytes, max tracked files) is satisfied. Every
// live entry is gathered into a slice and ordered by touch time using
// internal/heap's generic min-heap helper (adapted from the teacher's
// own heap package), so the entry at index 0 is always the next
// eviction candidate.
func (c *Cache) trim() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.overBoundLocked() {
		all := c.liveEntriesLocked()
		if len(all) == 0 {
			return
		}
		heap.OrderSlice(all, func(x, y *entry) bool { return x.time < y.time })
		victim := all[0]
		c.evictLocked(victim)
		c.logTrace("trim", victim.hash)
	}
}

func (c *Cache) overBoundLocked() bool {
	n := 0
	for _, bucket := range c.table {
		n += len(bucket)
	}
	return n > c.maxEntries || c.totalBytes > c.maxBytes || c.totalFiles > c.maxFiles
}

func (c *Cache) liveEntriesLocked() []*entry {
	var out []*entry
	for _, bucket := range c.table {
		out = append(out, bucket...)
	}
	return out
}

func (c *Cache) logTrace(action string, hash uint64) {
	if !c.trace.Load() {
		return
	}
	c.Logger.Printf("opcache[%s]: %s hash=%x", uuid.NewString(), action, hash)
}

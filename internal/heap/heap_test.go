// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package heap

import (
	"slices"
	"testing"
)

// cacheEntry mirrors the shape opcache.trim orders by: a hash
// identifying the cached operation and a monotonic touch time. It
// exists here, rather than importing opcache.entry, because
// opcache already imports this package (entry is unexported besides).
type cacheEntry struct {
	hash uint64
	time int64
}

func byTouchTime(x, y *cacheEntry) bool { return x.time < y.time }

// TestOrderSliceRecoversTrimEvictionOrder exercises the exact
// comparator opcache.Cache.trim uses: once ordered, element 0 must be
// the least-recently-touched entry, i.e. trim's next eviction
// candidate, even when entries are touched out of insertion order
// (a cache hit bumps an entry's time without reinserting it).
func TestOrderSliceRecoversTrimEvictionOrder(t *testing.T) {
	entries := []*cacheEntry{
		{hash: 0xA, time: 30}, // touched again after being inserted first
		{hash: 0xB, time: 5},
		{hash: 0xC, time: 20},
		{hash: 0xD, time: 1}, // oldest: the real eviction victim
	}

	OrderSlice(entries, byTouchTime)
	if entries[0].hash != 0xD {
		t.Fatalf("entries[0].hash = %#x, want 0xD (the oldest touch time)", entries[0].hash)
	}

	var times []int64
	for len(entries) > 0 {
		times = append(times, PopSlice(&entries, byTouchTime).time)
	}
	if !slices.IsSorted(times) {
		t.Fatalf("pop order = %v, not sorted by touch time", times)
	}
}

// TestFixSliceAfterTouch models a cache hit bumping the time of an
// entry in the middle of the heap: FixSlice must restore the min-heap
// invariant without a full re-sort. opcache itself does not call
// FixSlice (touchLocked only updates the entry's time, and trim
// re-orders a fresh slice each pass).
func TestFixSliceAfterTouch(t *testing.T) {
	entries := make([]*cacheEntry, 0, 8)
	for i := int64(0); i < 8; i++ {
		PushSlice(&entries, &cacheEntry{hash: uint64(i), time: i}, byTouchTime)
	}

	touched := entries[4]
	touched.time = 1000 // simulate a cache hit bumping the touch time
	idx := slices.Index(entries, touched)
	FixSlice(entries, idx, byTouchTime)

	if entries[0].time != 0 {
		t.Fatalf("entries[0].time = %d, want 0 (the untouched oldest entry) after fixing a single touched entry", entries[0].time)
	}
}

// BenchmarkOrderSliceTrimBatch sizes the input at opcache's
// DefaultMaxEntries, approximating how many live entries trim()
// actually orders on a typical eviction pass.
func BenchmarkOrderSliceTrimBatch(b *testing.B) {
	const defaultMaxEntries = 100
	base := make([]*cacheEntry, defaultMaxEntries)
	for i := range base {
		base[i] = &cacheEntry{hash: uint64(i), time: int64(defaultMaxEntries - i)}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		entries := slices.Clone(base)
		OrderSlice(entries, byTouchTime)
	}
}

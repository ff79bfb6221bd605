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
	"os"
	"testing"

	"github.com/tilegraph/core/pixsrc"
	"github.com/tilegraph/core/rect"
)

type memImage struct {
	width, height, bands, elSize int
}

func (i *memImage) Width() int                        { return i.width }
func (i *memImage) Height() int                       { return i.height }
func (i *memImage) Bands() int                        { return i.bands }
func (i *memImage) ElementSize() int                  { return i.elSize }
func (i *memImage) RequestStyle() pixsrc.RequestStyle { return pixsrc.Any }
func (i *memImage) Start() (any, error)               { return nil, nil }
func (i *memImage) Generate(pixsrc.Canvas, rect.Rect, any) error {
	return nil
}
func (i *memImage) Stop(any) error             { return nil }
func (i *memImage) File() (*os.File, bool)     { return nil, false }
func (i *memImage) Pixels() ([]byte, bool)     { return nil, false }
func (i *memImage) OnInvalidate(func()) func() { return func() {} }
func (i *memImage) Invalidate()                {}

func TestNewAllocatesRightSize(t *testing.T) {
	w := NewWorker()
	im := &memImage{width: 100, height: 100, bands: 3, elSize: 1}
	b, err := New(w, im, rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(b.Pixels()), 10*10*3; got != want {
		t.Fatalf("len(pixels) = %d, want %d", got, want)
	}
}

func TestRefExistingMatchesByEqualArea(t *testing.T) {
	w := NewWorker()
	im := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	area := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}

	b, err := New(w, im, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w, b); err != nil {
		t.Fatal(err)
	}

	hit := RefExisting(w, im, area)
	if hit != b {
		t.Fatalf("expected RefExisting to find the done buffer")
	}

	// A containing (but not equal) rect must not match.
	bigger := rect.Rect{Left: 0, Top: 0, Width: 20, Height: 20}
	if got := RefExisting(w, im, bigger); got != nil {
		t.Fatalf("expected RefExisting to reject a containing rect, got a hit")
	}
}

func TestUnrefMovesDoneBufferToReserve(t *testing.T) {
	w := NewWorker()
	im := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	area := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}

	b, err := New(w, im, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w, b); err != nil {
		t.Fatal(err)
	}

	done, reserved := w.Stats(im)
	if done != 1 || reserved != 0 {
		t.Fatalf("done=%d reserved=%d, want 1,0", done, reserved)
	}

	Unref(b)

	done, reserved = w.Stats(im)
	if done != 0 || reserved != 1 {
		t.Fatalf("done=%d reserved=%d, want 0,1", done, reserved)
	}

	if hit := RefExisting(w, im, area); hit != nil {
		t.Fatalf("expected a reserved (non-done) buffer to not satisfy RefExisting")
	}
}

func TestUnrefDropsUndoneBuffer(t *testing.T) {
	w := NewWorker()
	im := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	area := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}

	b, err := New(w, im, area)
	if err != nil {
		t.Fatal(err)
	}
	Unref(b)

	done, reserved := w.Stats(im)
	if done != 0 || reserved != 0 {
		t.Fatalf("done=%d reserved=%d, want 0,0 for an undone buffer dropped at zero refs", done, reserved)
	}
}

func TestNewReusesReserveAllocation(t *testing.T) {
	w := NewWorker()
	im := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	area := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}

	b1, err := New(w, im, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w, b1); err != nil {
		t.Fatal(err)
	}
	backing := b1.Pixels()
	Unref(b1)

	b2, err := New(w, im, area)
	if err != nil {
		t.Fatal(err)
	}
	if &b2.Pixels()[0] != &backing[0] {
		t.Fatalf("expected New to reuse the reserved allocation")
	}
}

func TestReserveFreelistBounded(t *testing.T) {
	w := NewWorker()
	w.SetReserveSize(2)
	im := &memImage{width: 1000, height: 1000, bands: 1, elSize: 1}

	// Hold all five done buffers before releasing any, so New cannot
	// hand a reserved allocation straight back and keep the reserve
	// artificially small.
	var held []*Buffer
	for i := 0; i < 5; i++ {
		area := rect.Rect{Left: 0, Top: i * 10, Width: 10, Height: 10}
		b, err := New(w, im, area)
		if err != nil {
			t.Fatal(err)
		}
		if err := MarkDone(w, b); err != nil {
			t.Fatal(err)
		}
		held = append(held, b)
	}
	for _, b := range held {
		Unref(b)
	}

	_, reserved := w.Stats(im)
	if reserved != 2 {
		t.Fatalf("reserved = %d, want 2 (bounded freelist)", reserved)
	}
}

func TestMarkUndoneUnlinksFromCache(t *testing.T) {
	w := NewWorker()
	im := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	area := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}

	b, err := New(w, im, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w, b); err != nil {
		t.Fatal(err)
	}
	MarkUndone(b)

	if b.Done() {
		t.Fatalf("expected buffer to no longer be done")
	}
	if hit := RefExisting(w, im, area); hit != nil {
		t.Fatalf("expected undone buffer to no longer be discoverable via RefExisting")
	}
}

func TestUnrefThenRefRebinds(t *testing.T) {
	w := NewWorker()
	im := &memImage{width: 1000, height: 1000, bands: 1, elSize: 1}
	area1 := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}
	area2 := rect.Rect{Left: 0, Top: 100, Width: 10, Height: 10}

	b1, err := New(w, im, area1)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w, b1); err != nil {
		t.Fatal(err)
	}

	b2, err := UnrefThenRef(w, b1, im, area2)
	if err != nil {
		t.Fatal(err)
	}
	if !rect.Equal(b2.Area(), area2) {
		t.Fatalf("expected rebound buffer to cover area2")
	}

	done, _ := w.Stats(im)
	if done != 0 {
		t.Fatalf("expected the old buffer to have left the done set, got done=%d", done)
	}
}

// TestTwoWorkersDoNotShareBuffers exercises the spec's buffer
// non-sharing scenario: two workers preparing the same rectangle on
// the same image each get their own *Buffer, and neither worker's
// RefExisting can see the other's done buffer.
func TestTwoWorkersDoNotShareBuffers(t *testing.T) {
	im := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	area := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}

	w1 := NewWorker()
	w2 := NewWorker()

	b1, err := New(w1, im, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w1, b1); err != nil {
		t.Fatal(err)
	}

	if hit := RefExisting(w2, im, area); hit != nil {
		t.Fatal("expected w2 to have no visibility into w1's done buffer")
	}

	b2, err := New(w2, im, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w2, b2); err != nil {
		t.Fatal(err)
	}

	if b1 == b2 {
		t.Fatal("expected distinct *Buffer values for each worker's copy of the same rect")
	}
	if hit := RefExisting(w1, im, area); hit != b1 {
		t.Fatalf("RefExisting(w1) = %p, want b1 %p unaffected by w2's buffer", hit, b1)
	}
	if hit := RefExisting(w2, im, area); hit != b2 {
		t.Fatalf("RefExisting(w2) = %p, want b2 %p", hit, b2)
	}
}

func TestWorkerCloseClearsCaches(t *testing.T) {
	w := NewWorker()
	im1 := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	im2 := &memImage{width: 100, height: 100, bands: 1, elSize: 1}
	area := rect.Rect{Left: 0, Top: 0, Width: 10, Height: 10}

	b1, err := New(w, im1, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w, b1); err != nil {
		t.Fatal(err)
	}
	Unref(b1) // moves to im1's reserve freelist rather than vanishing

	b2, err := New(w, im2, area)
	if err != nil {
		t.Fatal(err)
	}
	if err := MarkDone(w, b2); err != nil {
		t.Fatal(err)
	}

	if got := len(w.Images()); got != 2 {
		t.Fatalf("len(Images()) = %d, want 2 before Close", got)
	}

	w.Close()

	if got := len(w.Images()); got != 0 {
		t.Fatalf("len(Images()) = %d, want 0 after Close", got)
	}
	// cacheFor lazily recreates an empty cache for an image Close
	// forgot; its own counters must come back at zero, not leak
	// im1's reserved buffer.
	done, reserved := w.Stats(im1)
	if done != 0 || reserved != 0 {
		t.Fatalf("done=%d reserved=%d for im1 after Close, want 0,0", done, reserved)
	}
}

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

// Package region implements the demand-driven fill primitive at the
// center of this module: a Region is a worker-owned window onto an
// Image's pixels, backed by one of a buffer, a borrowed region, the
// image's own in-memory array, or a mapped window, and Prepare is
// what makes the backing's pixels actually exist for a rectangle.
//
// The backing variants are a tagged union (backingKind plus per-kind
// fields) rather than an interface, mirroring the _VipsRegion struct
// in the original libvips layout this module reimplements, and the
// attach/Prepare choreography is grounded on that same struct's
// vips_region_buffer / vips_region_image / vips_region_prepare
// functions (see original_source/libvips for the reference
// behaviour this package's tests pin down).
package region

import (
	"errors"
	"fmt"

	"github.com/tilegraph/core/bufferpool"
	"github.com/tilegraph/core/pixsrc"
	"github.com/tilegraph/core/rect"
	"github.com/tilegraph/core/window"
)

// DebugOwnership toggles the worker-ownership assertion made by
// CheckOwner and the checked entry points (PrepareChecked,
// FetchChecked); other operations never check ownership. It
// defaults to true; production callers that
// have verified their worker discipline and want to shave the check
// can set it to false at process start, the same way a release build
// would compile the libvips equivalent out entirely.
var DebugOwnership = true

// ErrWrongOwner is the error CheckOwner and the checked entry points
// return when called from a goroutine that does not hold the region's owning worker
// (detected via a caller-supplied worker id, not true thread
// identity, since Go has no stable thread-local to compare against).
var ErrWrongOwner = errors.New("region: operation on a region owned by a different worker")

// ErrThreadMisuse wraps ErrWrongOwner at the backed-operation entry
// points (PrepareChecked, FetchChecked) that call CheckOwner before
// doing any work. DebugOwnership gates it the same way it gates
// CheckOwner itself, so disabling DebugOwnership makes the checked
// entry points as free as their unchecked counterparts.
var ErrThreadMisuse = errors.New("region: region touched from a worker other than its owner")

// ErrNotBacked is returned by operations that require an existing
// backing (Copy, Paint, PaintPel, SetPosition, AttachRegion's source)
// when the region is still in the none state.
var ErrNotBacked = errors.New("region: region has no backing")

// ErrInvalidRequest is returned by Prepare when a non-empty area does
// not intersect the image at all: the request is malformed rather than
// merely clipped, so Prepare reports it instead of silently leaving
// r with an empty valid rectangle.
var ErrInvalidRequest = errors.New("region: prepare rectangle does not intersect the image")

// ErrGenerator wraps whatever error an Image's Generate callback
// returned. The partially filled buffer behind the failed Prepare is
// always reclaimed (MarkUndone + Unref), never cached.
var ErrGenerator = errors.New("region: generator callback failed")

type backingKind int

const (
	none backingKind = iota
	bufferBacking
	regionBacking
	imageBacking
	windowBacking
)

// Region is a worker-owned view onto an Image, demand-filled via
// Prepare. The zero value is not usable; construct with New.
type Region struct {
	image  pixsrc.Image
	worker *bufferpool.Worker
	owner  int64

	valid rect.Rect
	kind  backingKind

	// kind-specific backing state; at most one of these is non-nil /
	// meaningful at a time, selected by kind.
	buf    *bufferpool.Buffer
	src    *Region // regionBacking: the region we borrow from
	win    *window.Window
	imgBuf []byte // imageBacking: the image's own materialised pixels

	data []byte // derived: byte slice view into the active backing
	bpl  int    // derived: bytes per line of data

	seq     any
	started bool

	invalid     bool
	unsubscribe func()
}

// New creates a region in the none state on im, owned by workerID.
// worker supplies the per-goroutine buffer cache used by AttachBuffer
// and Prepare's buffer path. New subscribes to im's invalidate signal
// so a concurrent in-place mutation of im is noticed at r's next
// Prepare.
func New(worker *bufferpool.Worker, im pixsrc.Image, workerID int64) *Region {
	r := &Region{image: im, worker: worker, owner: workerID}
	r.unsubscribe = im.OnInvalidate(func() { r.invalid = true })
	return r
}

// Close unsubscribes r from its image's invalidate signal and
// releases its backing. A Region that is simply dropped without
// Close leaks its invalidate subscription until the image itself is
// collected; long-lived workers that churn regions should call this.
func (r *Region) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.releaseBacking()
}

// TakeOwnership reassigns r to workerID. Callers must ensure no other
// goroutine is using r concurrently with the hand-off.
func (r *Region) TakeOwnership(workerID int64) { r.owner = workerID }

// NoOwnership clears ownership checking for r, letting any worker use
// it. Used by coordinators that know a region is temporarily
// quiescent.
func (r *Region) NoOwnership() { r.owner = 0 }

// Owner returns the worker id currently permitted to use r, or 0 if
// ownership checking is disabled for r.
func (r *Region) Owner() int64 { return r.owner }

// CheckOwner reports an error wrapping both ErrThreadMisuse and
// ErrWrongOwner if workerID is not r's current owner. Unlike the C
// original this is not invoked automatically by every backed
// operation: Go has no notion of the calling goroutine's identity to
// compare against, so the check only has teeth where a caller
// threads its own workerID through explicitly. PrepareChecked and
// FetchChecked are that explicit dispatch boundary for the two
// operations that actually touch a region's backing; a coordinator
// handing a region to a pool of goroutines should call one of those
// instead of the unchecked Prepare/Fetch when crossing worker
// ownership.
func (r *Region) CheckOwner(workerID int64) error {
	if !DebugOwnership {
		return nil
	}
	if r.owner == 0 || r.owner == workerID {
		return nil
	}
	return fmt.Errorf("region: %w: %w", ErrThreadMisuse, ErrWrongOwner)
}

// Valid returns the rectangle this region currently covers. It
// implements pixsrc.Canvas.
func (r *Region) Valid() rect.Rect { return r.valid }

// Data returns the raw backing bytes for Valid. It implements
// pixsrc.Canvas.
func (r *Region) Data() []byte { return r.data }

// Bpl returns the bytes-per-line of Data. It implements
// pixsrc.Canvas.
func (r *Region) Bpl() int { return r.bpl }

// Image returns the image this region was created on.
func (r *Region) Image() pixsrc.Image { return r.image }

func (r *Region) releaseBacking() {
	switch r.kind {
	case bufferBacking:
		bufferpool.Unref(r.buf)
		r.buf = nil
	case windowBacking:
		r.win.Release()
		r.win = nil
	case regionBacking:
		r.src = nil
	case imageBacking:
		r.imgBuf = nil
	}
	r.kind = none
	r.data = nil
	r.bpl = 0
}

// AttachBuffer replaces r's backing with a freshly allocated Buffer
// covering area. Only the allocation happens here; no generator runs.
func (r *Region) AttachBuffer(area rect.Rect) error {
	r.releaseBacking()
	b, err := bufferpool.New(r.worker, r.image, area)
	if err != nil {
		return fmt.Errorf("region: AttachBuffer: %w", err)
	}
	r.buf = b
	r.kind = bufferBacking
	r.valid = area
	r.bpl = area.Width * r.image.Bands() * r.image.ElementSize()
	r.data = b.Pixels()
	return nil
}

// AttachImage replaces r's backing with direct access to the image's
// in-memory pixel array, if it has one; otherwise it delegates to
// AttachBuffer.
func (r *Region) AttachImage(area rect.Rect) error {
	pix, ok := r.image.Pixels()
	if !ok {
		return r.AttachBuffer(area)
	}
	r.releaseBacking()
	bpl := pixsrc.LineSize(r.image)
	off := area.Top*bpl + area.Left*r.image.Bands()*r.image.ElementSize()
	r.imgBuf = pix[off:]
	r.kind = imageBacking
	r.valid = area
	r.bpl = bpl
	r.data = r.imgBuf
	return nil
}

// AttachWindow replaces r's backing with a mapped window covering
// [top, top+height) of the image's lines. Only meaningful for
// file-backed images.
func (r *Region) AttachWindow(top, height int) error {
	w, err := window.Acquire(r.image, top, height)
	if err != nil {
		return fmt.Errorf("region: AttachWindow: %w", err)
	}
	r.releaseBacking()
	r.win = w
	r.kind = windowBacking
	bpl := pixsrc.LineSize(r.image)
	r.valid = rect.Rect{Left: 0, Top: w.Top(), Width: r.image.Width(), Height: w.Height()}
	r.bpl = bpl
	r.data = w.Data()
	return nil
}

// AttachRegion replaces r's backing with a borrowed view into src:
// r.valid becomes area, and pixel (x, y) of src aligns with area's
// top-left corner. src must already be backed and must cover the
// implied source rectangle.
func (r *Region) AttachRegion(src *Region, area rect.Rect, x, y int) error {
	if src.kind == none {
		return ErrNotBacked
	}
	srcArea := rect.Rect{Left: x, Top: y, Width: area.Width, Height: area.Height}
	if !src.valid.Includes(srcArea) {
		return fmt.Errorf("region: AttachRegion: source region %v does not cover %v", src.valid, srcArea)
	}
	r.releaseBacking()
	lineOff := (y - src.valid.Top) * src.bpl
	pelOff := (x - src.valid.Left) * src.image.Bands() * src.image.ElementSize()
	r.src = src
	r.kind = regionBacking
	r.valid = area
	r.bpl = src.bpl
	r.data = src.data[lineOff+pelOff:]
	return nil
}

// SetPosition moves valid's top-left corner to (x, y) without
// changing the backing, provided the backing still covers the new
// position. It is used to scan a buffer or window tile-by-tile.
func (r *Region) SetPosition(x, y int) error {
	switch r.kind {
	case bufferBacking, imageBacking:
		r.valid.Left, r.valid.Top = x, y
		return nil
	case windowBacking:
		if y < r.win.Top() || y+r.valid.Height > r.win.Top()+r.win.Height() {
			return fmt.Errorf("region: SetPosition: window no longer covers line %d", y)
		}
		r.valid.Left, r.valid.Top = x, y
		return nil
	default:
		return ErrNotBacked
	}
}

// Black paints r's entire valid rectangle with zero.
func (r *Region) Black() error {
	return r.Paint(r.valid, 0)
}

// Paint fills area (which must lie within r.valid) with byteValue
// repeated across every element.
func (r *Region) Paint(area rect.Rect, byteValue byte) error {
	if r.kind == none {
		return ErrNotBacked
	}
	elemWidth := r.image.Bands() * r.image.ElementSize()
	for line := 0; line < area.Height; line++ {
		rowOff := (area.Top - r.valid.Top + line) * r.bpl
		colOff := (area.Left - r.valid.Left) * elemWidth
		row := r.data[rowOff+colOff : rowOff+colOff+area.Width*elemWidth]
		for i := range row {
			row[i] = byteValue
		}
	}
	return nil
}

// PaintPel fills area with the repeating pixel pattern pel (one
// element per band, len(pel) must equal Bands()*ElementSize()).
func (r *Region) PaintPel(area rect.Rect, pel []byte) error {
	if r.kind == none {
		return ErrNotBacked
	}
	elemWidth := r.image.Bands() * r.image.ElementSize()
	if len(pel) != elemWidth {
		return fmt.Errorf("region: PaintPel: pel has %d bytes, want %d", len(pel), elemWidth)
	}
	for line := 0; line < area.Height; line++ {
		rowOff := (area.Top - r.valid.Top + line) * r.bpl
		colOff := (area.Left - r.valid.Left) * elemWidth
		for x := 0; x < area.Width; x++ {
			off := rowOff + colOff + x*elemWidth
			copy(r.data[off:off+elemWidth], pel)
		}
	}
	return nil
}

// Copy memcpys area from src (area is in src's coordinate space) into
// dst at offset (x, y), which is in dst's coordinate space.
func Copy(src, dst *Region, area rect.Rect, x, y int) error {
	if src.kind == none || dst.kind == none {
		return ErrNotBacked
	}
	elemWidth := src.image.Bands() * src.image.ElementSize()
	for line := 0; line < area.Height; line++ {
		srcRow := (area.Top - src.valid.Top + line) * src.bpl
		srcCol := (area.Left - src.valid.Left) * elemWidth
		dstRow := (y - dst.valid.Top + line) * dst.bpl
		dstCol := (x - dst.valid.Left) * elemWidth
		n := area.Width * elemWidth
		copy(dst.data[dstRow+dstCol:dstRow+dstCol+n], src.data[srcRow+srcCol:srcRow+srcCol+n])
	}
	return nil
}

var cacheTimeHook func(im pixsrc.Image) // set by opcache to touch upstream entries; nil in tests

// SetCacheTimeHook installs fn to be called whenever Prepare reuses an
// exact buffer-cache hit for an image, letting opcache extend the
// touch time of whatever cache entries produced that image without
// region importing opcache (region has no notion of operations at
// all; see Prepare's buffer-cache-hit branch). Passing nil removes the
// hook.
func SetCacheTimeHook(fn func(im pixsrc.Image)) {
	cacheTimeHook = fn
}

// Prepare delivers pixels for area through r's backing, per the
// four-step algorithm: clip to image bounds, then either map a
// window (file-backed images), reuse an exact buffer-cache hit, or
// run the generator into a fresh buffer. An empty area succeeds with
// an empty valid rectangle and no generator call.
func (r *Region) Prepare(area rect.Rect) error {
	if area.Empty() {
		r.releaseBacking()
		r.valid = rect.Rect{}
		return nil
	}
	need := rect.Intersect(area, pixsrc.Bounds(r.image))
	if need.Empty() {
		r.releaseBacking()
		r.valid = rect.Rect{}
		return fmt.Errorf("region: Prepare: %w: %v does not intersect %v", ErrInvalidRequest, area, pixsrc.Bounds(r.image))
	}
	pel := r.image.Bands() * r.image.ElementSize()

	if f, ok := r.image.File(); ok && f != nil {
		r.invalid = false
		if err := r.AttachWindow(need.Top, need.Height); err != nil {
			return err
		}
		r.data = r.data[(need.Top-r.valid.Top)*r.bpl+need.Left*pel:]
		r.valid = need
		return nil
	}

	if !r.invalid {
		if hit := bufferpool.RefExisting(r.worker, r.image, need); hit != nil {
			r.releaseBacking()
			r.buf = hit
			r.kind = bufferBacking
			r.valid = need
			r.bpl = need.Width * pel
			r.data = hit.Pixels()
			if cacheTimeHook != nil {
				cacheTimeHook(r.image)
			}
			return nil
		}
	}
	r.invalid = false

	b, err := bufferpool.New(r.worker, r.image, need)
	if err != nil {
		return fmt.Errorf("region: Prepare: %w", err)
	}

	if !r.started {
		seq, err := r.image.Start()
		if err != nil {
			bufferpool.Unref(b)
			return fmt.Errorf("region: Prepare: Start: %w", err)
		}
		r.seq = seq
		r.started = true
	}

	r.releaseBacking()
	r.buf = b
	r.kind = bufferBacking
	r.valid = need
	r.bpl = need.Width * pel
	r.data = b.Pixels()

	if err := r.image.Generate(r, need, r.seq); err != nil {
		bufferpool.MarkUndone(b)
		bufferpool.Unref(b)
		r.kind = none
		r.data = nil
		return fmt.Errorf("region: Prepare: generate: %w: %w", ErrGenerator, err)
	}

	if err := bufferpool.MarkDone(r.worker, b); err != nil {
		return fmt.Errorf("region: Prepare: %w", err)
	}
	return nil
}

// PrepareTo prepares area on r and writes the result into dest at
// offset (x, y) in dest's coordinates. It always runs Prepare on r
// and then Copy into dest; the generator never writes into dest
// directly.
func (r *Region) PrepareTo(dest *Region, area rect.Rect, x, y int) error {
	if err := r.Prepare(area); err != nil {
		return err
	}
	return Copy(r, dest, rect.Rect{Left: r.valid.Left, Top: r.valid.Top, Width: r.valid.Width, Height: r.valid.Height}, x, y)
}

// PrepareMany prepares area on every region in regions, in order,
// stopping at the first error.
func PrepareMany(regions []*Region, area rect.Rect) error {
	for i, r := range regions {
		if err := r.Prepare(area); err != nil {
			return fmt.Errorf("region: PrepareMany[%d]: %w", i, err)
		}
	}
	return nil
}

// Fetch prepares [left,top,left+width,top+height) on r and returns a
// freshly allocated packed copy of its pixels, detached from r's
// backing lifetime.
func (r *Region) Fetch(left, top, width, height int) ([]byte, error) {
	area := rect.Rect{Left: left, Top: top, Width: width, Height: height}
	if err := r.Prepare(area); err != nil {
		return nil, err
	}
	elemWidth := r.image.Bands() * r.image.ElementSize()
	out := make([]byte, r.valid.Height*r.valid.Width*elemWidth)
	lineBytes := r.valid.Width * elemWidth
	for line := 0; line < r.valid.Height; line++ {
		srcOff := line * r.bpl
		dstOff := line * lineBytes
		copy(out[dstOff:dstOff+lineBytes], r.data[srcOff:srcOff+lineBytes])
	}
	return out, nil
}

// PrepareChecked is Prepare guarded by CheckOwner(workerID): a
// coordinator that hands r across a pool of goroutines should call
// this at the hand-off boundary instead of bare Prepare, so a stale
// hand-off (a goroutine still touching r after TakeOwnership moved it
// elsewhere) surfaces as ErrThreadMisuse instead of silently racing
// the new owner. Plain Prepare never checks ownership; setting
// DebugOwnership to false makes this behave exactly like it.
func (r *Region) PrepareChecked(workerID int64, area rect.Rect) error {
	if err := r.CheckOwner(workerID); err != nil {
		return fmt.Errorf("region: Prepare: %w", err)
	}
	return r.Prepare(area)
}

// FetchChecked is Fetch guarded by CheckOwner(workerID); see
// PrepareChecked.
func (r *Region) FetchChecked(workerID int64, left, top, width, height int) ([]byte, error) {
	if err := r.CheckOwner(workerID); err != nil {
		return nil, fmt.Errorf("region: Fetch: %w", err)
	}
	return r.Fetch(left, top, width, height)
}

// Fill loops fn over horizontal strips of area, each StripHeight rows
// tall for the image's request style (the last may be shorter). Every
// strip spans area's full width, so SmallTile is not split into
// columns; Any passes area to fn as a single piece.
func (r *Region) Fill(area rect.Rect, fn func(sub rect.Rect) error) error {
	step := r.image.RequestStyle().StripHeight()
	if step <= 0 {
		step = area.Height
		if step == 0 {
			return nil
		}
	}
	for top := area.Top; top < area.Top+area.Height; top += step {
		h := step
		if top+h > area.Top+area.Height {
			h = area.Top + area.Height - top
		}
		sub := rect.Rect{Left: area.Left, Top: top, Width: area.Width, Height: h}
		if err := fn(sub); err != nil {
			return err
		}
	}
	return nil
}

// AlignToStyle rounds area up to the tile grid implied by style,
// clamped to img. Pipeline authors use this before calling
// bufferpool.RefExisting (directly or via Prepare) so that requests
// actually land on the exact rectangles a worker has already cached,
// since RefExisting matches by rect equality rather than containment.
func AlignToStyle(area rect.Rect, img pixsrc.Image, style pixsrc.RequestStyle) rect.Rect {
	step := style.StripHeight()
	if step <= 0 {
		return rect.Intersect(area, pixsrc.Bounds(img))
	}
	top := (area.Top / step) * step
	bottom := area.Top + area.Height
	if rem := bottom % step; rem != 0 {
		bottom += step - rem
	}
	aligned := rect.Rect{Left: 0, Top: top, Width: img.Width(), Height: bottom - top}
	return rect.Intersect(aligned, pixsrc.Bounds(img))
}

// Invalidate marks r stale: the next Prepare call drops any cached
// buffer backing and re-runs the generator instead of trusting an
// existing done buffer. It does not preempt an in-flight Prepare.
func (r *Region) Invalidate() {
	r.invalid = true
}

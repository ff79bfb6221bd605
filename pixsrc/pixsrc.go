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

// Package pixsrc declares the Image interface: the external
// collaborator this module treats as a source of pixels. Concrete
// codecs, resampling/convolution kernels, and the operation graph
// that drives Image.Generate all live outside this module; pixsrc
// only pins down the shape a pixel source must present to be driven
// by a region.
package pixsrc

import (
	"os"

	"github.com/tilegraph/core/rect"
)

// RequestStyle is an image's preferred tiling shape, used by
// region.Region.Fill and by generators that want to minimize the
// number of distinct rectangles they're asked to fill.
type RequestStyle int

const (
	// Any means the generator accepts arbitrary rectangles.
	Any RequestStyle = iota
	// ThinStrip means the generator prefers height-1 strips.
	ThinStrip
	// FatStrip means the generator prefers height-16 strips.
	FatStrip
	// SmallTile means the generator prefers 128x128 tiles.
	SmallTile
)

func (s RequestStyle) String() string {
	switch s {
	case Any:
		return "any"
	case ThinStrip:
		return "thin-strip"
	case FatStrip:
		return "fat-strip"
	case SmallTile:
		return "small-tile"
	default:
		return "unknown"
	}
}

// Tile shapes matching the request styles above, in pixels.
const (
	ThinStripHeight = 1
	FatStripHeight  = 16
	TileWidth       = 128
	TileHeight      = 128
)

// StripHeight returns the preferred strip/tile height for s, used by
// region.Region.Fill to pick subdivisions of a requested rectangle.
func (s RequestStyle) StripHeight() int {
	switch s {
	case ThinStrip:
		return ThinStripHeight
	case FatStrip:
		return FatStripHeight
	case SmallTile:
		return TileHeight
	default:
		return 0 // Any: caller picks
	}
}

// Canvas is the narrow view a Generator needs of the region it is
// asked to fill: where its valid pixels are, and the raw memory to
// write into. region.Region implements Canvas; pixsrc does not
// depend on the region package to avoid an import cycle (region
// depends on pixsrc for Image, not the other way around).
type Canvas interface {
	Valid() rect.Rect
	Data() []byte
	Bpl() int // bytes per line
}

// Image is the minimal shape a pixel source must have to be driven
// by a region.Region.
type Image interface {
	// Width, Height, Bands, ElementSize describe the image's
	// immutable geometry. ElementSize is in bytes.
	Width() int
	Height() int
	Bands() int
	ElementSize() int

	// RequestStyle is a hint about preferred tile shape; it does
	// not constrain what rectangles Generate must accept.
	RequestStyle() RequestStyle

	// Start is called once per region that will call Generate; it
	// returns an opaque sequence value threaded through subsequent
	// Generate/Stop calls.
	Start() (seq any, err error)

	// Generate fills reg for the rectangle area, previously started
	// with Start. Implementations recursively prepare regions on
	// their own input images as needed.
	Generate(reg Canvas, area rect.Rect, seq any) error

	// Stop releases any resources Start allocated for seq.
	Stop(seq any) error

	// File returns the open file this image is backed by, and true,
	// if the image is file-backed (eligible for window-pool mmap
	// access). It returns (nil, false) for in-memory images.
	File() (*os.File, bool)

	// Pixels returns the packed pixel array backing this image, and
	// true, if the image is fully materialised in memory. It
	// returns (nil, false) for file-backed or generated images.
	Pixels() ([]byte, bool)

	// OnInvalidate registers fn to be called when this image's
	// pixels are mutated in place. It returns an unsubscribe
	// function.
	OnInvalidate(fn func()) (unsubscribe func())

	// Invalidate marks this image's cached derivatives stale and
	// notifies every registered observer.
	Invalidate()
}

// Bounds returns the full-image rectangle for im.
func Bounds(im Image) rect.Rect {
	return rect.Rect{Left: 0, Top: 0, Width: im.Width(), Height: im.Height()}
}

// LineSize returns the number of bytes in one full-width image line.
func LineSize(im Image) int {
	return im.Width() * im.Bands() * im.ElementSize()
}

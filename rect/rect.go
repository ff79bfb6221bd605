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

// Package rect implements integer rectangle algebra over image pixel
// coordinates: the common currency passed between regions, buffers
// and windows throughout the rest of this module.
package rect

import "fmt"

// Rect is an axis-aligned integer rectangle, in pixel coordinates,
// with (Left, Top) as the top-left corner.
//
// A Rect with non-positive Width or Height is empty. Empty rects
// compare equal to one another regardless of their Left/Top, per
// Equal below.
type Rect struct {
	Left, Top, Width, Height int
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Normalise collapses any empty rectangle to the canonical empty
// rect (the zero value), so that two empty rects with different
// coordinates still compare == after normalisation.
func (r Rect) Normalise() Rect {
	if r.Empty() {
		return Rect{}
	}
	return r
}

// Right returns the exclusive right edge (Left + Width).
func (r Rect) Right() int { return r.Left + r.Width }

// Bottom returns the exclusive bottom edge (Top + Height).
func (r Rect) Bottom() int { return r.Top + r.Height }

// ContainsPoint reports whether (x, y) lies within r.
func (r Rect) ContainsPoint(x, y int) bool {
	if r.Empty() {
		return false
	}
	return x >= r.Left && x < r.Right() && y >= r.Top && y < r.Bottom()
}

// Includes reports whether r fully contains o (o's pixels are a
// subset of r's). An empty o is trivially included by anything.
func (r Rect) Includes(o Rect) bool {
	if o.Empty() {
		return true
	}
	if r.Empty() {
		return false
	}
	return o.Left >= r.Left && o.Top >= r.Top &&
		o.Right() <= r.Right() && o.Bottom() <= r.Bottom()
}

// Intersect returns the overlap of a and b. If either is empty, or
// they do not overlap, the result is the canonical empty rect.
func Intersect(a, b Rect) Rect {
	if a.Empty() || b.Empty() {
		return Rect{}
	}
	left := max(a.Left, b.Left)
	top := max(a.Top, b.Top)
	right := min(a.Right(), b.Right())
	bottom := min(a.Bottom(), b.Bottom())
	return Rect{Left: left, Top: top, Width: right - left, Height: bottom - top}.Normalise()
}

// Union returns the bounding box of a and b. An empty operand is
// ignored; Union(a, empty) == a.
func Union(a, b Rect) Rect {
	an, bn := a.Normalise(), b.Normalise()
	if an.Empty() {
		return bn
	}
	if bn.Empty() {
		return an
	}
	left := min(an.Left, bn.Left)
	top := min(an.Top, bn.Top)
	right := max(an.Right(), bn.Right())
	bottom := max(an.Bottom(), bn.Bottom())
	return Rect{Left: left, Top: top, Width: right - left, Height: bottom - top}
}

// Equal reports whether a and b describe the same pixels. Two
// empty rects are always equal, regardless of their coordinates.
func Equal(a, b Rect) bool {
	an, bn := a.Normalise(), b.Normalise()
	return an == bn
}

func (r Rect) String() string {
	if r.Empty() {
		return "Rect{empty}"
	}
	return fmt.Sprintf("Rect{%d,%d %dx%d}", r.Left, r.Top, r.Width, r.Height)
}

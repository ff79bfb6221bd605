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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tilegraph/core/bufferpool"
	"github.com/tilegraph/core/pixsrc"
	"github.com/tilegraph/core/rect"
	"github.com/tilegraph/core/region"
)

// gradientImage is a synthetic in-memory pixsrc.Image: one grayscale
// band whose pixel value is (x+y)%256, generated on demand rather
// than precomputed, so runProbe actually exercises Region.Prepare's
// generate path instead of just its buffer-cache-hit path.
type gradientImage struct {
	width, height int
	style         pixsrc.RequestStyle
	generateCalls int
	invalidators  []func()
}

func (g *gradientImage) Width() int                        { return g.width }
func (g *gradientImage) Height() int                       { return g.height }
func (g *gradientImage) Bands() int                        { return 1 }
func (g *gradientImage) ElementSize() int                  { return 1 }
func (g *gradientImage) RequestStyle() pixsrc.RequestStyle { return g.style }
func (g *gradientImage) Start() (any, error)               { return nil, nil }

func (g *gradientImage) Generate(reg pixsrc.Canvas, area rect.Rect, seq any) error {
	g.generateCalls++
	valid := reg.Valid()
	bpl := reg.Bpl()
	data := reg.Data()
	for y := 0; y < valid.Height; y++ {
		row := data[y*bpl : y*bpl+valid.Width]
		for x := range row {
			row[x] = byte((valid.Left + x + valid.Top + y) % 256)
		}
	}
	return nil
}

func (g *gradientImage) Stop(seq any) error     { return nil }
func (g *gradientImage) File() (*os.File, bool) { return nil, false }
func (g *gradientImage) Pixels() ([]byte, bool) { return nil, false }
func (g *gradientImage) OnInvalidate(fn func()) func() {
	g.invalidators = append(g.invalidators, fn)
	idx := len(g.invalidators) - 1
	return func() { g.invalidators[idx] = nil }
}
func (g *gradientImage) Invalidate() {
	for _, fn := range g.invalidators {
		if fn != nil {
			fn()
		}
	}
}

func runProbe(args []string) {
	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	width := probeCmd.Int("w", 256, "synthetic image width")
	height := probeCmd.Int("h", 256, "synthetic image height")
	tiled := probeCmd.Bool("tile", false, "request small-tile-style generation instead of one full-image fill")
	if probeCmd.Parse(args) != nil {
		os.Exit(1)
	}

	style := pixsrc.Any
	if *tiled {
		style = pixsrc.SmallTile
	}
	img := &gradientImage{width: *width, height: *height, style: style}

	const workerID = 1
	worker := bufferpool.NewWorker()
	r := region.New(worker, img, workerID)
	defer worker.Close()
	defer r.Close()

	full := pixsrc.Bounds(img)
	if err := r.Fill(full, func(sub rect.Rect) error {
		return r.Prepare(sub)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "pixprobe: fill failed: %s\n", err)
		os.Exit(1)
	}

	done, reserved := worker.Stats(img)
	fmt.Printf("image:     %dx%d, style=%s\n", img.width, img.height, style)
	fmt.Printf("generates: %d\n", img.generateCalls)
	fmt.Printf("buffers:   done=%d reserved=%d\n", done, reserved)

	// Re-preparing the exact same final rectangle should hit the
	// buffer cache (RefExisting) rather than calling Generate again.
	// PrepareChecked exercises the worker-ownership assertion on a
	// real (non-test) call path: this process owns r under workerID,
	// so the check passes and Prepare runs as usual.
	before := img.generateCalls
	if err := r.PrepareChecked(workerID, r.Valid()); err != nil {
		fmt.Fprintf(os.Stderr, "pixprobe: re-prepare failed: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("re-prepare generates: %d (0 means the buffer cache hit)\n", img.generateCalls-before)
}

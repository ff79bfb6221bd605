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

package opcache

import (
	"context"
	"os"
	"testing"

	"github.com/tilegraph/core/pixsrc"
	"github.com/tilegraph/core/rect"
)

// stubImage is the minimal pixsrc.Image needed as a producedOp output
// and as the argument to TouchImage; none of its methods are
// exercised by this test.
type stubImage struct{ n int }

func (s *stubImage) Width() int                                   { return 1 }
func (s *stubImage) Height() int                                  { return 1 }
func (s *stubImage) Bands() int                                   { return 1 }
func (s *stubImage) ElementSize() int                             { return 1 }
func (s *stubImage) RequestStyle() pixsrc.RequestStyle            { return pixsrc.Any }
func (s *stubImage) Start() (any, error)                          { return nil, nil }
func (s *stubImage) Generate(pixsrc.Canvas, rect.Rect, any) error { return nil }
func (s *stubImage) Stop(any) error                               { return nil }
func (s *stubImage) File() (*os.File, bool)                       { return nil, false }
func (s *stubImage) Pixels() ([]byte, bool)                       { return nil, false }
func (s *stubImage) OnInvalidate(func()) func()                   { return func() {} }
func (s *stubImage) Invalidate()                                  {}

// producedOp is an Operation whose sole output is a *stubImage, so
// that BuildOrReuse populates Cache.producedBy for it.
type producedOp struct {
	n   int64
	img *stubImage
}

func (p *producedOp) Inputs() []Arg {
	return []Arg{{Name: "n", Value: IntValue(p.n), Hashable: true, Required: true, Assigned: true}}
}
func (p *producedOp) Outputs() []Arg {
	return []Arg{{Name: "img", Value: ObjValue(p.img), Assigned: true}}
}
func (p *producedOp) Build() error                  { return nil }
func (p *producedOp) Flags() OpFlags                { return 0 }
func (p *producedOp) OnInvalidate(fn func()) func() { return func() {} }

func TestTouchImageBumpsProducingEntry(t *testing.T) {
	c := New()
	img := &stubImage{n: 1}
	op := &producedOp{n: 1, img: img}

	if _, err := c.BuildOrReuse(context.Background(), op); err != nil {
		t.Fatal(err)
	}

	e := c.producedBy[img]
	if e == nil {
		t.Fatal("producedBy has no entry for img after BuildOrReuse")
	}
	before := e.time

	c.TouchImage(img)
	if e.time <= before {
		t.Fatalf("time = %d, want > %d after TouchImage", e.time, before)
	}
}

func TestTouchImageIgnoresUnknownImage(t *testing.T) {
	c := New()
	// Must not panic when the image was never produced by any entry.
	c.TouchImage(&stubImage{n: 99})
}

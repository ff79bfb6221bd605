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

package rect

import "testing"

func TestEmpty(t *testing.T) {
	cases := []struct {
		r    Rect
		want bool
	}{
		{Rect{0, 0, 10, 10}, false},
		{Rect{0, 0, 0, 10}, true},
		{Rect{0, 0, 10, 0}, true},
		{Rect{0, 0, -1, 10}, true},
		{Rect{}, true},
	}
	for _, c := range cases {
		if got := c.r.Empty(); got != c.want {
			t.Errorf("%v.Empty() = %v, want %v", c.r, got, c.want)
		}
	}
}

func TestNormaliseEmptyEqual(t *testing.T) {
	a := Rect{5, 5, 0, 0}
	b := Rect{100, -20, -3, 0}
	if !Equal(a, b) {
		t.Fatalf("two empty rects with different coordinates should be Equal")
	}
	if a.Normalise() != (Rect{}) {
		t.Fatalf("Normalise of empty rect should be the zero value, got %v", a.Normalise())
	}
}

func TestContainsPoint(t *testing.T) {
	r := Rect{Left: 10, Top: 20, Width: 5, Height: 5}
	in := []struct{ x, y int }{{10, 20}, {14, 24}, {12, 22}}
	for _, p := range in {
		if !r.ContainsPoint(p.x, p.y) {
			t.Errorf("expected %v to contain (%d,%d)", r, p.x, p.y)
		}
	}
	out := []struct{ x, y int }{{9, 20}, {15, 20}, {10, 25}, {10, 19}}
	for _, p := range out {
		if r.ContainsPoint(p.x, p.y) {
			t.Errorf("expected %v not to contain (%d,%d)", r, p.x, p.y)
		}
	}
	if (Rect{}).ContainsPoint(0, 0) {
		t.Errorf("empty rect should not contain any point")
	}
}

func TestIntersect(t *testing.T) {
	a := Rect{0, 0, 10, 10}
	b := Rect{5, 5, 10, 10}
	got := Intersect(a, b)
	want := Rect{5, 5, 5, 5}
	if got != want {
		t.Fatalf("Intersect(%v, %v) = %v, want %v", a, b, got, want)
	}

	// disjoint rects intersect to empty
	c := Rect{100, 100, 1, 1}
	if got := Intersect(a, c); !got.Empty() {
		t.Fatalf("Intersect of disjoint rects should be empty, got %v", got)
	}

	// intersect with empty is empty
	if got := Intersect(a, Rect{}); !got.Empty() {
		t.Fatalf("Intersect with empty should be empty, got %v", got)
	}
}

func TestUnion(t *testing.T) {
	a := Rect{0, 0, 10, 10}
	b := Rect{5, 5, 10, 10}
	got := Union(a, b)
	want := Rect{0, 0, 15, 15}
	if got != want {
		t.Fatalf("Union(%v, %v) = %v, want %v", a, b, got, want)
	}

	// union with empty is the other operand
	if got := Union(a, Rect{}); got != a {
		t.Fatalf("Union(a, empty) = %v, want %v", got, a)
	}
	if got := Union(Rect{}, a); got != a {
		t.Fatalf("Union(empty, a) = %v, want %v", got, a)
	}
}

func TestIncludes(t *testing.T) {
	outer := Rect{0, 0, 100, 100}
	inner := Rect{10, 10, 5, 5}
	if !outer.Includes(inner) {
		t.Fatalf("%v should include %v", outer, inner)
	}
	if outer.Includes(Rect{50, 50, 100, 100}) {
		t.Fatalf("%v should not include a rect extending past its bounds", outer)
	}
	if !outer.Includes(Rect{}) {
		t.Fatalf("any rect should include the empty rect")
	}
}

func TestEqual(t *testing.T) {
	if !Equal(Rect{1, 2, 3, 4}, Rect{1, 2, 3, 4}) {
		t.Fatal("identical rects should be equal")
	}
	if Equal(Rect{1, 2, 3, 4}, Rect{1, 2, 3, 5}) {
		t.Fatal("differing rects should not be equal")
	}
}

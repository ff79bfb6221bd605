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

// Kind tags which field of a Value is meaningful, replacing a
// runtime type-name string lookup with a plain switch.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindStr
	KindObj
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "str"
	case KindObj:
		return "obj"
	default:
		return "unknown"
	}
}

// Value is a closed sum type standing in for the heterogeneous,
// dynamically typed property values an Operation exposes. Only the
// field matching Kind is meaningful; hashing and equality dispatch on
// Kind via a switch rather than reflection.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Obj   any // identity-compared; typically a pixsrc.Image or another boxed pointer
}

// BoolValue, IntValue, FloatValue, StrValue, ObjValue construct a
// Value of the matching Kind.
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func StrValue(s string) Value    { return Value{Kind: KindStr, Str: s} }
func ObjValue(o any) Value       { return Value{Kind: KindObj, Obj: o} }

// Equal reports whether a and b carry the same Kind and the same
// value for that Kind. Obj is compared by identity (==), matching the
// "object/pointer/boxed -> identity" rule in the hash/equal contract.
func (a Value) Equal(b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return a.Float == b.Float
	case KindStr:
		return a.Str == b.Str
	case KindObj:
		return a.Obj == b.Obj
	default:
		return false
	}
}

// Arg is one constructor-input or output slot of an Operation: a
// named, optionally-hashable Value that may or may not have been
// assigned by the caller.
type Arg struct {
	Name     string
	Value    Value
	Hashable bool
	Required bool
	Assigned bool
}

// OpFlags are the operation-class flags the cache inspects on every
// BuildOrReuse call.
type OpFlags uint8

const (
	// Blocked means the operation must never be built or reused; a
	// cache hit is discarded and BuildOrReuse returns ErrBlocked.
	Blocked OpFlags = 1 << iota
	// Revalidate evicts any existing equivalent entry before build.
	Revalidate
	// NoCache means a successful build is not inserted into the
	// cache at all.
	NoCache
)

func (f OpFlags) Has(bit OpFlags) bool { return f&bit != 0 }

// Operation is the external collaborator the cache memoizes: an
// object with a set of (possibly hashable) constructor inputs and
// outputs, a Build step, and an invalidate signal. Concrete
// operations (resize, convolve, format conversion, …) live outside
// this module; opcache only pins down the shape it needs to key,
// build, and invalidate them.
type Operation interface {
	// Inputs and Outputs enumerate this operation's argument slots.
	// Implementations should return a fresh, independently mutable
	// slice each call (the cache does not mutate it, but also makes
	// no aliasing guarantee).
	Inputs() []Arg
	Outputs() []Arg

	// Build populates Outputs from Inputs. It is called outside the
	// cache's mutex.
	Build() error

	// Flags reports this operation's cache-class flags.
	Flags() OpFlags

	// OnInvalidate registers fn to run when this operation's cached
	// result becomes stale (e.g. an upstream image was mutated in
	// place). It returns an unsubscribe function.
	OnInvalidate(fn func()) (unsubscribe func())
}

// SizeHint is an optional interface an Operation can implement to let
// the cache track approximate memory and open-file cost for the
// Cache.SetMaxMem / Cache.SetMaxFiles bounds. Operations that don't
// implement it contribute zero to both bounds.
type SizeHint interface {
	CacheBytes() int64
	CacheFiles() int
}

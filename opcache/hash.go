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
	"math"
	"reflect"
	"unsafe"

	"github.com/dchest/siphash"
)

// sipKey0/sipKey1 are a fixed process-wide key for hashing hashable
// string arguments. They don't need to be secret (the operation
// cache is not a security boundary) — siphash is used here purely
// for its strong bit-mixing of arbitrary-length byte strings, the
// same role it plays in the teacher's own VM value hashing.
const (
	sipKey0 uint64 = 0x9ae16a3b2f90404f
	sipKey1 uint64 = 0xc2b2ae3d27d4eb4f
)

// avalanche mixes a 64-bit integer the way splitmix64's finalizer
// does, giving small inputs (booleans, small ints, enum-like flags) a
// well-distributed hash instead of colliding in the low bits.
func avalanche(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// hashValue hashes one Value per the fixed type table (hashOp folds
// the result into its running accumulator): bool/int -> integer avalanche; float -> bitwise
// cast then avalanche; string -> siphash of its bytes; object ->
// identity (pointer/interface data word).
func hashValue(v Value) uint64 {
	switch v.Kind {
	case KindBool:
		b := uint64(0)
		if v.Bool {
			b = 1
		}
		return avalanche(b)
	case KindInt:
		return avalanche(uint64(v.Int))
	case KindFloat:
		return avalanche(math.Float64bits(v.Float))
	case KindStr:
		return siphash.Hash(sipKey0, sipKey1, []byte(v.Str))
	case KindObj:
		return avalanche(identityOf(v.Obj))
	default:
		return 0
	}
}

// identityOf returns a value derived from the interface's data
// pointer, used to fold object/pointer-identity args into the hash.
// Two equal (==) interface values of the same concrete pointer type
// always yield the same identity here.
func identityOf(o any) uint64 {
	if o == nil {
		return 0
	}
	rv := reflect.ValueOf(o)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Chan, reflect.Map, reflect.Func, reflect.UnsafePointer:
		return uint64(uintptr(rv.Pointer()))
	default:
		// Not pointer-shaped: hash reflect.Value.String(). For a
		// string kind that is the string itself; for every other kind
		// it is only a "<T Value>" placeholder, so all such values of
		// one type share a hash. Equality still uses ==, so that
		// costs bucket collisions, not correctness.
		return siphash.Hash(sipKey0, sipKey1, []byte(rv.String()))
	}
}

// typeHash folds the operation's concrete type into the hash so that
// two different Operation implementations with coincidentally
// identical argument values never compare equal.
func typeHash(op Operation) uint64 {
	t := reflect.TypeOf(op)
	name := t.String()
	return siphash.Hash(sipKey0, sipKey1, unsafe.Slice(unsafe.StringData(name), len(name)))
}

// hashOp computes op's cache key: its concrete type mixed with every
// hashable, assigned input argument, in Inputs() order.
func hashOp(op Operation) uint64 {
	h := typeHash(op)
	for _, arg := range op.Inputs() {
		if !arg.Hashable || !arg.Assigned {
			continue
		}
		h ^= avalanche(siphash.Hash(sipKey0, sipKey1, []byte(arg.Name)))
		h = avalanche(h ^ hashValue(arg.Value))
	}
	return h
}

// equalOps reports whether a and b are the same concrete operation
// type with pairwise-equal hashable inputs. A required input left
// unassigned on both sides counts as equal (equal by absence); an
// optional input assigned on only one side makes them unequal.
func equalOps(a, b Operation) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	ai, bi := a.Inputs(), b.Inputs()
	if len(ai) != len(bi) {
		return false
	}
	for i := range ai {
		x, y := ai[i], bi[i]
		if !x.Hashable {
			continue
		}
		if x.Assigned != y.Assigned {
			return false
		}
		if !x.Assigned {
			// required-and-unassigned-on-both, or optional-and-
			// unassigned-on-both: equal by absence either way.
			continue
		}
		if !x.Value.Equal(y.Value) {
			return false
		}
	}
	return true
}

package types

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
)

// Compare orders two fields of the same tag. Null sorts before every
// non-null value. Comparing fields with different tags is a programming
// error and panics, mirroring the closed nature of the value model.
func Compare(a, b Field) int {
	if IsNull(a) {
		if IsNull(b) {
			return 0
		}
		return -1
	}
	if IsNull(b) {
		return 1
	}
	switch av := a.(type) {
	case UInt:
		return cmpOrdered(uint64(av), uint64(b.(UInt)))
	case U128:
		bv := b.(U128)
		if c := cmpOrdered(av.Hi, bv.Hi); c != 0 {
			return c
		}
		return cmpOrdered(av.Lo, bv.Lo)
	case Int:
		return cmpOrdered(int64(av), int64(b.(Int)))
	case I128:
		bv := b.(I128)
		if c := cmpOrdered(av.Hi, bv.Hi); c != 0 {
			return c
		}
		return cmpOrdered(av.Lo, bv.Lo)
	case Float:
		// Total ordering via the order-preserving bit encoding.
		return cmpOrdered(encodeOrderedFloat(float64(av)), encodeOrderedFloat(float64(b.(Float))))
	case Boolean:
		return cmpBool(bool(av), bool(b.(Boolean)))
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Text:
		return strings.Compare(string(av), string(b.(Text)))
	case Binary:
		return bytes.Compare(av, b.(Binary))
	case Decimal:
		return av.Decimal.Cmp(b.(Decimal).Decimal)
	case Timestamp:
		return time.Time(av).Compare(time.Time(b.(Timestamp)))
	case Date:
		return cmpOrdered(int64(civil.Date(av).DaysSince(civil.Date(b.(Date)))), 0)
	case Point:
		bv := b.(Point)
		// x-major ordering, matching the binary encoding
		if c := cmpOrdered(encodeOrderedFloat(av.X), encodeOrderedFloat(bv.X)); c != 0 {
			return c
		}
		return cmpOrdered(encodeOrderedFloat(av.Y), encodeOrderedFloat(bv.Y))
	case Duration:
		return cmpOrdered(av.D, b.(Duration).D)
	default:
		panic(fmt.Sprintf("fields of type %T have no defined ordering", a))
	}
}

func cmpOrdered[T uint64 | int64 | time.Duration](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	default:
		return 1
	}
}

// CollateDecimal compares the canonical string representations of two
// stored decimals without parsing them. A stored decimal is never empty.
// When both operands are negative, their lexicographic ordering is
// reversed.
func CollateDecimal(l, r string) int {
	c := strings.Compare(l, r)
	if strings.HasPrefix(l, "-") && strings.HasPrefix(r, "-") {
		return -c
	}
	return c
}

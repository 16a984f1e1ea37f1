// Package types holds the canonical value and schema model shared by every
// component: tagged field values, field types, schemas, records and the
// table operations that flow from the binlog into the caches and sinks.
package types

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// FieldType is the tag of a Field without its value.
type FieldType uint8

const (
	TypeUInt FieldType = iota
	TypeU128
	TypeInt
	TypeI128
	TypeFloat
	TypeBoolean
	TypeString
	TypeText
	TypeBinary
	TypeDecimal
	TypeTimestamp
	TypeDate
	TypeJSON
	TypePoint
	TypeDuration
)

func (t FieldType) String() string {
	switch t {
	case TypeUInt:
		return "uint"
	case TypeU128:
		return "u128"
	case TypeInt:
		return "int"
	case TypeI128:
		return "i128"
	case TypeFloat:
		return "float"
	case TypeBoolean:
		return "boolean"
	case TypeString:
		return "string"
	case TypeText:
		return "text"
	case TypeBinary:
		return "binary"
	case TypeDecimal:
		return "decimal"
	case TypeTimestamp:
		return "timestamp"
	case TypeDate:
		return "date"
	case TypeJSON:
		return "json"
	case TypePoint:
		return "point"
	case TypeDuration:
		return "duration"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// TimeUnit is the resolution tag carried by a Duration field.
type TimeUnit uint8

const (
	UnitSeconds TimeUnit = iota
	UnitMilliseconds
	UnitMicroseconds
	UnitNanoseconds
)

// Field is a single tagged column value. The set of implementations is
// closed; consumers dispatch with exhaustive type switches.
type Field interface {
	isField()
}

type (
	UInt uint64
	U128 struct{ Hi, Lo uint64 }
	Int  int64
	I128 struct {
		Hi int64
		Lo uint64
	}
	Float   float64
	Boolean bool
	String  string
	Text    string
	Binary  []byte
	Decimal struct{ decimal.Decimal }
	// Timestamp carries a timezone-aware instant.
	Timestamp time.Time
	Date      civil.Date
	// JSON holds a decoded JSON document: nil, bool, float64, string,
	// []any or map[string]any.
	JSON     struct{ Value any }
	Point    struct{ X, Y float64 }
	Duration struct {
		D    time.Duration
		Unit TimeUnit
	}
	Null struct{}
)

func (UInt) isField()      {}
func (U128) isField()      {}
func (Int) isField()       {}
func (I128) isField()      {}
func (Float) isField()     {}
func (Boolean) isField()   {}
func (String) isField()    {}
func (Text) isField()      {}
func (Binary) isField()    {}
func (Decimal) isField()   {}
func (Timestamp) isField() {}
func (Date) isField()      {}
func (JSON) isField()      {}
func (Point) isField()     {}
func (Duration) isField()  {}
func (Null) isField()      {}

// NewDecimal parses s into a Decimal field. It panics on malformed input
// and is meant for literals in tests and fixtures.
func NewDecimal(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}

// TypeOf reports the tag of f. The second result is false for Null, which
// carries no tag.
func TypeOf(f Field) (FieldType, bool) {
	switch f.(type) {
	case UInt:
		return TypeUInt, true
	case U128:
		return TypeU128, true
	case Int:
		return TypeInt, true
	case I128:
		return TypeI128, true
	case Float:
		return TypeFloat, true
	case Boolean:
		return TypeBoolean, true
	case String:
		return TypeString, true
	case Text:
		return TypeText, true
	case Binary:
		return TypeBinary, true
	case Decimal:
		return TypeDecimal, true
	case Timestamp:
		return TypeTimestamp, true
	case Date:
		return TypeDate, true
	case JSON:
		return TypeJSON, true
	case Point:
		return TypePoint, true
	case Duration:
		return TypeDuration, true
	default:
		return 0, false
	}
}

// IsNull reports whether f is the null value.
func IsNull(f Field) bool {
	_, ok := f.(Null)
	return ok
}

// Equal reports whether two fields carry the same tag and value.
func Equal(a, b Field) bool {
	switch av := a.(type) {
	case Binary:
		bv, ok := b.(Binary)
		return ok && bytes.Equal(av, bv)
	case Decimal:
		bv, ok := b.(Decimal)
		return ok && av.Decimal.Equal(bv.Decimal)
	case Timestamp:
		bv, ok := b.(Timestamp)
		return ok && time.Time(av).Equal(time.Time(bv))
	case JSON:
		bv, ok := b.(JSON)
		return ok && reflect.DeepEqual(av.Value, bv.Value)
	default:
		return a == b
	}
}

// FieldsEqual compares two field slices element-wise.
func FieldsEqual(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

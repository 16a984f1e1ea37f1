package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Binary encodings are chosen so that byte-lexicographic ordering on the
// encoded form matches natural field ordering for the types where that is
// part of the contract: integers are big-endian fixed width with the sign
// bit flipped for the signed variants, floats use the sign-flip/invert
// trick, points encode x-major. Decimals keep their canonical string
// representation and rely on a collation that reverses the comparison when
// both operands are negative (see CollateDecimal).

// TypeMismatchError is returned when a value's tag does not match the
// requested field type.
type TypeMismatchError struct {
	Want FieldType
	Got  Field
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %T", e.Want, e.Got)
}

// BlobSizeError is returned when a fixed-width encoding has the wrong
// length.
type BlobSizeError struct {
	Expected int
	Actual   int
}

func (e *BlobSizeError) Error() string {
	return fmt.Sprintf("invalid blob size: expected %d bytes, got %d", e.Expected, e.Actual)
}

const signBit = uint64(1) << 63

func encodeOrderedFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&signBit != 0 {
		bits ^= math.MaxUint64
	} else {
		bits ^= signBit
	}
	return bits
}

func decodeOrderedFloat(bits uint64) float64 {
	if bits&signBit == 0 {
		bits ^= math.MaxUint64
	} else {
		bits ^= signBit
	}
	return math.Float64frombits(bits)
}

// EncodeBinary encodes f, which must carry the tag typ, into its binary
// form. Null encodes as an empty value regardless of typ.
func EncodeBinary(f Field, typ FieldType) ([]byte, error) {
	if IsNull(f) {
		return nil, nil
	}
	if got, ok := TypeOf(f); !ok || got != typ {
		return nil, &TypeMismatchError{Want: typ, Got: f}
	}
	switch v := f.(type) {
	case UInt:
		return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
	case U128:
		b := binary.BigEndian.AppendUint64(nil, v.Hi)
		return binary.BigEndian.AppendUint64(b, v.Lo), nil
	case Int:
		return binary.BigEndian.AppendUint64(nil, uint64(v)^signBit), nil
	case I128:
		b := binary.BigEndian.AppendUint64(nil, uint64(v.Hi)^signBit)
		return binary.BigEndian.AppendUint64(b, v.Lo), nil
	case Float:
		return binary.BigEndian.AppendUint64(nil, encodeOrderedFloat(float64(v))), nil
	case Boolean:
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case String:
		return []byte(v), nil
	case Text:
		return []byte(v), nil
	case Binary:
		return []byte(v), nil
	case Decimal:
		return []byte(v.String()), nil
	case Timestamp:
		return []byte(time.Time(v).Format(time.RFC3339Nano)), nil
	case Date:
		return []byte(civil.Date(v).String()), nil
	case JSON:
		return json.Marshal(v.Value)
	case Point:
		b := binary.BigEndian.AppendUint64(nil, encodeOrderedFloat(v.X))
		return binary.BigEndian.AppendUint64(b, encodeOrderedFloat(v.Y)), nil
	case Duration:
		b := binary.BigEndian.AppendUint64(nil, uint64(v.D.Nanoseconds()))
		return append(b, byte(v.Unit)), nil
	default:
		return nil, &TypeMismatchError{Want: typ, Got: f}
	}
}

// DecodeBinary is the inverse of EncodeBinary. An empty input decodes to
// Null, except for string, text and binary, where it decodes to the empty
// value.
func DecodeBinary(b []byte, typ FieldType) (Field, error) {
	if len(b) == 0 && typ != TypeString && typ != TypeText && typ != TypeBinary {
		return Null{}, nil
	}
	switch typ {
	case TypeUInt:
		if len(b) != 8 {
			return nil, &BlobSizeError{Expected: 8, Actual: len(b)}
		}
		return UInt(binary.BigEndian.Uint64(b)), nil
	case TypeU128:
		if len(b) != 16 {
			return nil, &BlobSizeError{Expected: 16, Actual: len(b)}
		}
		return U128{Hi: binary.BigEndian.Uint64(b[:8]), Lo: binary.BigEndian.Uint64(b[8:])}, nil
	case TypeInt:
		if len(b) != 8 {
			return nil, &BlobSizeError{Expected: 8, Actual: len(b)}
		}
		return Int(binary.BigEndian.Uint64(b) ^ signBit), nil
	case TypeI128:
		if len(b) != 16 {
			return nil, &BlobSizeError{Expected: 16, Actual: len(b)}
		}
		return I128{
			Hi: int64(binary.BigEndian.Uint64(b[:8]) ^ signBit),
			Lo: binary.BigEndian.Uint64(b[8:]),
		}, nil
	case TypeFloat:
		if len(b) != 8 {
			return nil, &BlobSizeError{Expected: 8, Actual: len(b)}
		}
		return Float(decodeOrderedFloat(binary.BigEndian.Uint64(b))), nil
	case TypeBoolean:
		if len(b) != 1 {
			return nil, &BlobSizeError{Expected: 1, Actual: len(b)}
		}
		return Boolean(b[0] != 0), nil
	case TypeString:
		return String(b), nil
	case TypeText:
		return Text(b), nil
	case TypeBinary:
		return Binary(append([]byte(nil), b...)), nil
	case TypeDecimal:
		d, err := decimal.NewFromString(string(b))
		if err != nil {
			return nil, err
		}
		return Decimal{d}, nil
	case TypeTimestamp:
		t, err := time.Parse(time.RFC3339Nano, string(b))
		if err != nil {
			return nil, err
		}
		return Timestamp(t), nil
	case TypeDate:
		d, err := civil.ParseDate(string(b))
		if err != nil {
			return nil, err
		}
		return Date(d), nil
	case TypeJSON:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return JSON{Value: v}, nil
	case TypePoint:
		if len(b) != 16 {
			return nil, &BlobSizeError{Expected: 16, Actual: len(b)}
		}
		return Point{
			X: decodeOrderedFloat(binary.BigEndian.Uint64(b[:8])),
			Y: decodeOrderedFloat(binary.BigEndian.Uint64(b[8:])),
		}, nil
	case TypeDuration:
		if len(b) != 9 {
			return nil, &BlobSizeError{Expected: 9, Actual: len(b)}
		}
		return Duration{
			D:    time.Duration(binary.BigEndian.Uint64(b[:8])),
			Unit: TimeUnit(b[8]),
		}, nil
	default:
		return nil, fmt.Errorf("unknown field type %s", typ)
	}
}

const (
	keyTagNull byte = iota
	keyTagValue
)

// EncodeKey builds a deterministic byte string for a field tuple, suitable
// as a map key. Variable-width values are length-prefixed, so distinct
// tuples never collide.
func EncodeKey(fields []Field) (string, error) {
	var buf []byte
	for _, f := range fields {
		if IsNull(f) {
			buf = append(buf, keyTagNull)
			continue
		}
		typ, _ := TypeOf(f)
		b, err := EncodeBinary(f, typ)
		if err != nil {
			return "", err
		}
		buf = append(buf, keyTagValue, byte(typ))
		buf = binary.AppendUvarint(buf, uint64(len(b)))
		buf = append(buf, b...)
	}
	return string(buf), nil
}

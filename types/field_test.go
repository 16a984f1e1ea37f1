package types

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryRoundTrip(t *testing.T) {
	cases := []struct {
		field Field
		typ   FieldType
	}{
		{UInt(0), TypeUInt},
		{UInt(math.MaxUint64), TypeUInt},
		{U128{Hi: 1, Lo: 2}, TypeU128},
		{Int(-42), TypeInt},
		{Int(math.MaxInt64), TypeInt},
		{I128{Hi: -1, Lo: 42}, TypeI128},
		{Float(-1.5), TypeFloat},
		{Float(0), TypeFloat},
		{Boolean(true), TypeBoolean},
		{Boolean(false), TypeBoolean},
		{String("hello"), TypeString},
		{Text("larger text"), TypeText},
		{Binary([]byte{0, 1, 2}), TypeBinary},
		{NewDecimal("-123.456"), TypeDecimal},
		{Timestamp(time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)), TypeTimestamp},
		{Date(civil.Date{Year: 2024, Month: 5, Day: 1}), TypeDate},
		{JSON{Value: map[string]any{"k": float64(1)}}, TypeJSON},
		{Point{X: 1.5, Y: -2.5}, TypePoint},
		{Duration{D: 90 * time.Second, Unit: UnitSeconds}, TypeDuration},
	}
	for _, tc := range cases {
		encoded, err := EncodeBinary(tc.field, tc.typ)
		require.NoError(t, err, "encode %v", tc.field)
		decoded, err := DecodeBinary(encoded, tc.typ)
		require.NoError(t, err, "decode %v", tc.field)
		assert.True(t, Equal(tc.field, decoded), "%v round-tripped to %v", tc.field, decoded)
	}
}

func TestEncodeTypeMismatch(t *testing.T) {
	_, err := EncodeBinary(UInt(1), TypeInt)
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, TypeInt, mismatch.Want)
}

func TestDecodeBlobSize(t *testing.T) {
	_, err := DecodeBinary([]byte{1, 2, 3}, TypeUInt)
	var size *BlobSizeError
	require.ErrorAs(t, err, &size)
	assert.Equal(t, 8, size.Expected)
	assert.Equal(t, 3, size.Actual)
}

// Byte ordering of the encoded form must agree with field ordering for
// the order-contractual types.
func TestEncodedOrdering(t *testing.T) {
	floats := []Float{Float(math.Inf(-1)), -100.5, -1, 0, 1e-9, 1, 2.5, 1e9, Float(math.Inf(1))}
	for i := 0; i+1 < len(floats); i++ {
		a, err := EncodeBinary(floats[i], TypeFloat)
		require.NoError(t, err)
		b, err := EncodeBinary(floats[i+1], TypeFloat)
		require.NoError(t, err)
		assert.Negative(t, bytes.Compare(a, b), "%v should order before %v", floats[i], floats[i+1])
	}

	ints := []Int{math.MinInt64, -5, 0, 7, math.MaxInt64}
	for i := 0; i+1 < len(ints); i++ {
		a, _ := EncodeBinary(ints[i], TypeInt)
		b, _ := EncodeBinary(ints[i+1], TypeInt)
		assert.Negative(t, bytes.Compare(a, b))
	}

	points := []Point{{X: -1, Y: 100}, {X: 0, Y: -5}, {X: 0, Y: 5}, {X: 2, Y: -100}}
	for i := 0; i+1 < len(points); i++ {
		a, _ := EncodeBinary(points[i], TypePoint)
		b, _ := EncodeBinary(points[i+1], TypePoint)
		assert.Negative(t, bytes.Compare(a, b))
	}
}

// The decimal collation compares canonical strings lexicographically,
// reversing the result when both operands are negative.
func TestCollateDecimal(t *testing.T) {
	assert.Negative(t, CollateDecimal("1.5", "2.5"))
	assert.Positive(t, CollateDecimal("2.5", "1.5"))
	assert.Zero(t, CollateDecimal("1.5", "1.5"))
	// Both negative: lexicographic order reverses.
	assert.Negative(t, CollateDecimal("-2.5", "-1.5"))
	assert.Positive(t, CollateDecimal("-1.5", "-2.5"))
	// Mixed signs: '-' < digits, so negatives order first.
	assert.Negative(t, CollateDecimal("-1.5", "1.5"))
}

func TestCompare(t *testing.T) {
	assert.Negative(t, Compare(Null{}, UInt(0)))
	assert.Positive(t, Compare(UInt(0), Null{}))
	assert.Zero(t, Compare(Null{}, Null{}))
	assert.Negative(t, Compare(Int(-1), Int(1)))
	assert.Negative(t, Compare(Float(math.Inf(-1)), Float(0)))
	assert.Negative(t, Compare(NewDecimal("-10"), NewDecimal("-1")))
	assert.Negative(t, Compare(String("a"), String("b")))
	assert.Negative(t, Compare(
		Date(civil.Date{Year: 2023, Month: 12, Day: 31}),
		Date(civil.Date{Year: 2024, Month: 1, Day: 1}),
	))
}

func TestEncodeKeyDistinguishesTuples(t *testing.T) {
	a, err := EncodeKey([]Field{String("ab"), String("c")})
	require.NoError(t, err)
	b, err := EncodeKey([]Field{String("a"), String("bc")})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	withNull, err := EncodeKey([]Field{Null{}, String("x")})
	require.NoError(t, err)
	noNull, err := EncodeKey([]Field{String("x")})
	require.NoError(t, err)
	assert.NotEqual(t, withNull, noNull)
}

func TestFieldsEqual(t *testing.T) {
	assert.True(t, FieldsEqual(
		[]Field{UInt(1), Binary([]byte{1}), JSON{Value: []any{"a"}}},
		[]Field{UInt(1), Binary([]byte{1}), JSON{Value: []any{"a"}}},
	))
	assert.False(t, FieldsEqual([]Field{UInt(1)}, []Field{Int(1)}))
	assert.False(t, FieldsEqual([]Field{UInt(1)}, []Field{UInt(1), UInt(2)}))
}

package binlog

import (
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamweld/streamweld/types"
)

func TestIntoField(t *testing.T) {
	cases := []struct {
		value any
		typ   types.FieldType
		want  types.Field
	}{
		{nil, types.TypeInt, types.Null{}},
		{int64(-5), types.TypeInt, types.Int(-5)},
		{int32(7), types.TypeInt, types.Int(7)},
		{uint64(9), types.TypeUInt, types.UInt(9)},
		{int64(9), types.TypeUInt, types.UInt(9)},
		{float64(1.5), types.TypeFloat, types.Float(1.5)},
		{int64(1), types.TypeBoolean, types.Boolean(true)},
		{"hello", types.TypeString, types.String("hello")},
		{[]byte("hello"), types.TypeString, types.String("hello")},
		{"long text", types.TypeText, types.Text("long text")},
		{[]byte{1, 2}, types.TypeBinary, types.Binary([]byte{1, 2})},
		{"12.34", types.TypeDecimal, types.NewDecimal("12.34")},
		{"2024-05-01", types.TypeDate, types.Date(civil.Date{Year: 2024, Month: 5, Day: 1})},
		{`{"a": 1}`, types.TypeJSON, types.JSON{Value: map[string]any{"a": float64(1)}}},
		{"01:02:03", types.TypeDuration, types.Duration{
			D:    time.Hour + 2*time.Minute + 3*time.Second,
			Unit: types.UnitMicroseconds,
		}},
	}
	for _, tc := range cases {
		got, err := intoField(tc.value, tc.typ)
		require.NoError(t, err, "%v as %s", tc.value, tc.typ)
		assert.True(t, types.Equal(tc.want, got), "%v as %s: got %v", tc.value, tc.typ, got)
	}
}

func TestIntoFieldTimestamp(t *testing.T) {
	got, err := intoField("2024-05-01 12:30:00.5", types.TypeTimestamp)
	require.NoError(t, err)
	ts, ok := got.(types.Timestamp)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 30, 0, 500000000, time.UTC), time.Time(ts))
}

func TestIntoFieldNegativeDuration(t *testing.T) {
	got, err := intoField("-00:00:01.25", types.TypeDuration)
	require.NoError(t, err)
	d, ok := got.(types.Duration)
	require.True(t, ok)
	assert.Equal(t, -1250*time.Millisecond, d.D)
}

func TestIntoFieldMismatch(t *testing.T) {
	_, err := intoField("not a number", types.TypeFloat)
	assert.Error(t, err)
}

func TestIntoFields(t *testing.T) {
	columns := map[int]*ColumnDefinition{
		0: {Name: "id", Type: types.TypeInt, OrdinalPosition: 1},
		2: {Name: "name", Type: types.TypeString, OrdinalPosition: 3},
	}
	selected := selectColumns(3, columns)
	fields, err := intoFields([]any{int64(1), "skipped", "alice"}, selected)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.True(t, types.Equal(types.Int(1), fields[0]))
	assert.True(t, types.Equal(types.String("alice"), fields[1]))

	_, err = intoFields([]any{int64(1)}, selected)
	assert.Error(t, err)
}

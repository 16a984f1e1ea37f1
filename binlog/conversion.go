package binlog

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"github.com/streamweld/streamweld/types"
)

// selectedColumn pairs a row position with the field type the value
// converts to.
type selectedColumn struct {
	rowPosition int
	typ         types.FieldType
}

// selectColumns intersects the columns present in a binlog row with the
// registered columns of a table, keyed by zero-based ordinal.
func selectColumns(rowColumns int, columns map[int]*ColumnDefinition) []selectedColumn {
	selected := make([]selectedColumn, 0, len(columns))
	for pos := 0; pos < rowColumns; pos++ {
		if col, ok := columns[pos]; ok {
			selected = append(selected, selectedColumn{rowPosition: pos, typ: col.Type})
		}
	}
	return selected
}

// intoFields converts a raw binlog row into field values for the selected
// columns.
func intoFields(row []any, selected []selectedColumn) ([]types.Field, error) {
	fields := make([]types.Field, 0, len(selected))
	for _, col := range selected {
		if col.rowPosition >= len(row) {
			return nil, &Error{Message: fmt.Sprintf("binlog row has %d columns, expected at least %d", len(row), col.rowPosition+1)}
		}
		field, err := intoField(row[col.rowPosition], col.typ)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	return fields, nil
}

// intoField converts one replication value into a field of the registered
// type. The replication library surfaces integers, floats, strings, byte
// slices and formatted temporal strings depending on the wire type.
func intoField(value any, typ types.FieldType) (types.Field, error) {
	if value == nil {
		return types.Null{}, nil
	}
	switch typ {
	case types.TypeUInt:
		v, err := asUint(value)
		return types.UInt(v), err
	case types.TypeInt:
		v, err := asInt(value)
		return types.Int(v), err
	case types.TypeFloat:
		switch v := value.(type) {
		case float64:
			return types.Float(v), nil
		case float32:
			return types.Float(v), nil
		}
	case types.TypeBoolean:
		v, err := asInt(value)
		return types.Boolean(v != 0), err
	case types.TypeString:
		s, err := asString(value)
		return types.String(s), err
	case types.TypeText:
		s, err := asString(value)
		return types.Text(s), err
	case types.TypeBinary:
		switch v := value.(type) {
		case []byte:
			return types.Binary(append([]byte(nil), v...)), nil
		case string:
			return types.Binary([]byte(v)), nil
		}
	case types.TypeDecimal:
		s, err := asString(value)
		if err != nil {
			if f, ok := value.(float64); ok {
				return types.Decimal{Decimal: decimal.NewFromFloat(f)}, nil
			}
			return nil, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		return types.Decimal{Decimal: d}, nil
	case types.TypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			return types.Timestamp(v), nil
		case string:
			t, err := parseSourceTime(v)
			if err != nil {
				return nil, err
			}
			return types.Timestamp(t), nil
		}
	case types.TypeDate:
		s, err := asString(value)
		if err != nil {
			if t, ok := value.(time.Time); ok {
				return types.Date(civil.DateOf(t)), nil
			}
			return nil, err
		}
		d, err := civil.ParseDate(s)
		if err != nil {
			return nil, err
		}
		return types.Date(d), nil
	case types.TypeJSON:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return types.JSON{Value: v}, nil
	case types.TypeDuration:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		d, err := parseSourceDuration(s)
		if err != nil {
			return nil, err
		}
		return types.Duration{D: d, Unit: types.UnitMicroseconds}, nil
	case types.TypePoint:
		// Spatial values arrive as a 4-byte SRID followed by WKB: a byte-order
		// flag, the geometry type and, for a point, the x and y coordinates
		// as its last 16 bytes.
		if v, ok := value.([]byte); ok && len(v) >= 25 {
			var order binary.ByteOrder = binary.LittleEndian
			if v[4] == 0 {
				order = binary.BigEndian
			}
			xy := v[len(v)-16:]
			return types.Point{
				X: math.Float64frombits(order.Uint64(xy[:8])),
				Y: math.Float64frombits(order.Uint64(xy[8:])),
			}, nil
		}
	}
	return nil, &Error{Message: fmt.Sprintf("cannot convert %T to %s", value, typ)}
}

func asInt(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	}
	return 0, &Error{Message: fmt.Sprintf("expected integer, got %T", value)}
}

func asUint(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case int16:
		return uint64(v), nil
	case int8:
		return uint64(v), nil
	case int:
		return uint64(v), nil
	}
	return 0, &Error{Message: fmt.Sprintf("expected unsigned integer, got %T", value)}
}

func asString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", &Error{Message: fmt.Sprintf("expected string, got %T", value)}
}

const sourceTimeLayout = "2006-01-02 15:04:05.999999"

func parseSourceTime(s string) (time.Time, error) {
	return time.Parse(sourceTimeLayout, s)
}

// parseSourceDuration parses MySQL TIME text ([-]HHH:MM:SS[.ffffff]).
func parseSourceDuration(s string) (time.Duration, error) {
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var hours, minutes, seconds int
	var fraction float64
	parts := strings.SplitN(s, ".", 2)
	if _, err := fmt.Sscanf(parts[0], "%d:%d:%d", &hours, &minutes, &seconds); err != nil {
		return 0, &Error{Message: fmt.Sprintf("malformed time value %q", s)}
	}
	if len(parts) == 2 {
		if _, err := fmt.Sscanf("0."+parts[1], "%f", &fraction); err != nil {
			return 0, &Error{Message: fmt.Sprintf("malformed time value %q", s)}
		}
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(fraction*float64(time.Second))
	if negative {
		d = -d
	}
	return d, nil
}

// Package cache implements a schema-bound record store on SQLite: one
// keyed relation per cache with a version column, secondary sorted
// indexes, full-text companion tables kept consistent by triggers, and a
// query planner with an LRU of prepared statements.
//
// The storage-class names below are deliberate. SQLite column types can be
// anything, but the chosen spelling decides the column affinity, which
// matters for numeric values stored as text. Decimal cannot be stored as a
// blob with correct lexicographic ordering, so it is text with a custom
// collation sequence.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"

	"github.com/streamweld/streamweld/types"
)

const (
	decimalCollation       = "decimal_collation"
	decimalCollationPhrase = " COLLATE decimal_collation"
	versionCol             = "__record_version"
)

var registerCollation sync.Once

// RegisterCollations installs the decimal collation into the SQLite
// driver. OpenOrCreate calls it; it is exported for callers that run raw
// queries against cache databases.
func RegisterCollations() {
	registerCollation.Do(func() {
		sqlite.MustRegisterCollationUtf8(decimalCollation, types.CollateDecimal)
	})
}

func fieldTypeToStorageClass(typ types.FieldType) string {
	switch typ {
	case types.TypeUInt:
		return "UINT"
	case types.TypeU128:
		return "U128"
	case types.TypeInt:
		// Not `INTEGER`: an INTEGER sole primary key would become the
		// table's rowid and updates to it would move the row's identity.
		return "INT"
	case types.TypeI128:
		return "I128"
	case types.TypeFloat:
		return "FLOAT"
	case types.TypeBoolean:
		return "BOOLEAN"
	case types.TypeString:
		// "VARCHAR" keeps string affinity for values that happen to look
		// numeric.
		return "VARCHAR"
	case types.TypeText:
		return "TEXT"
	case types.TypeBinary:
		return "BLOB"
	case types.TypeDecimal:
		// "CLOB" forces text affinity, so the value is never silently
		// turned into a real keeping only 15 significant digits.
		return "DECIMAL CLOB"
	case types.TypeTimestamp:
		return "TIMESTAMP"
	case types.TypeDate:
		return "DATE"
	case types.TypeJSON:
		return "JSON"
	case types.TypePoint:
		return "POINT"
	case types.TypeDuration:
		return "DURATION"
	default:
		return "BLOB"
	}
}

func fieldTypeFromStorageClass(s string) (types.FieldType, error) {
	switch s {
	case "UINT":
		return types.TypeUInt, nil
	case "U128":
		return types.TypeU128, nil
	case "INT":
		return types.TypeInt, nil
	case "I128":
		return types.TypeI128, nil
	case "FLOAT":
		return types.TypeFloat, nil
	case "BOOLEAN":
		return types.TypeBoolean, nil
	case "VARCHAR":
		return types.TypeString, nil
	case "TEXT":
		return types.TypeText, nil
	case "BLOB":
		return types.TypeBinary, nil
	case "DECIMAL CLOB":
		return types.TypeDecimal, nil
	case "TIMESTAMP":
		return types.TypeTimestamp, nil
	case "DATE":
		return types.TypeDate, nil
	case "JSON":
		return types.TypeJSON, nil
	case "POINT":
		return types.TypePoint, nil
	case "DURATION":
		return types.TypeDuration, nil
	default:
		return 0, fmt.Errorf("invalid data type string %q", s)
	}
}

// fieldToSQL converts a field into a database/sql argument. Fixed-width
// and spatial values use the order-preserving binary encodings so that
// SQLite's blob comparison matches field ordering.
func fieldToSQL(f types.Field) (any, error) {
	switch v := f.(type) {
	case types.Null:
		return nil, nil
	case types.UInt:
		return int64(v), nil
	case types.Int:
		return int64(v), nil
	case types.Float:
		return float64(v), nil
	case types.Boolean:
		return bool(v), nil
	case types.String:
		return string(v), nil
	case types.Text:
		return string(v), nil
	case types.Binary:
		return []byte(v), nil
	case types.Decimal:
		return v.String(), nil
	case types.Timestamp:
		return time.Time(v).Format(time.RFC3339Nano), nil
	case types.Date:
		return civil.Date(v).String(), nil
	case types.JSON:
		b, err := json.Marshal(v.Value)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case types.U128, types.I128, types.Point, types.Duration:
		typ, _ := types.TypeOf(f)
		return types.EncodeBinary(f, typ)
	default:
		return nil, fmt.Errorf("cannot store field of type %T", f)
	}
}

// fieldFromSQL converts a scanned database/sql value back into a field of
// the given type.
func fieldFromSQL(value any, typ types.FieldType) (types.Field, error) {
	if value == nil {
		return types.Null{}, nil
	}
	switch typ {
	case types.TypeUInt:
		v, err := scanInt(value)
		return types.UInt(v), err
	case types.TypeInt:
		v, err := scanInt(value)
		return types.Int(v), err
	case types.TypeFloat:
		switch v := value.(type) {
		case float64:
			return types.Float(v), nil
		case int64:
			return types.Float(v), nil
		}
	case types.TypeBoolean:
		v, err := scanInt(value)
		return types.Boolean(v != 0), err
	case types.TypeString:
		v, err := scanString(value)
		return types.String(v), err
	case types.TypeText:
		v, err := scanString(value)
		return types.Text(v), err
	case types.TypeBinary:
		if v, ok := value.([]byte); ok {
			return types.Binary(append([]byte(nil), v...)), nil
		}
	case types.TypeDecimal:
		s, err := scanString(value)
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		return types.Decimal{Decimal: d}, nil
	case types.TypeTimestamp:
		s, err := scanString(value)
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return types.Timestamp(t), nil
	case types.TypeDate:
		s, err := scanString(value)
		if err != nil {
			return nil, err
		}
		d, err := civil.ParseDate(s)
		if err != nil {
			return nil, err
		}
		return types.Date(d), nil
	case types.TypeJSON:
		s, err := scanString(value)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return types.JSON{Value: v}, nil
	case types.TypeU128, types.TypeI128, types.TypePoint, types.TypeDuration:
		if v, ok := value.([]byte); ok {
			return types.DecodeBinary(v, typ)
		}
	}
	return nil, fmt.Errorf("cannot decode %T as %s", value, typ)
}

func scanInt(value any) (int64, error) {
	if v, ok := value.(int64); ok {
		return v, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", value)
}

func scanString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("expected string, got %T", value)
}

// Package sqltype maps declared or inferred source-column types to target
// storage types and coerces raw cell values into them.
package sqltype

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Type is a closed set of target storage types.
type Type int

const (
	Int Type = iota + 1
	Varchar
	Double
	Boolean
	SmallInt
	JSONB
	Timestamp
)

// nameMapping covers the accepted type-name synonyms in English and Russian.
var nameMapping = map[string]Type{
	"character varying":        Varchar,
	"varchar":                  Varchar,
	"str":                      Varchar,
	"string":                   Varchar,
	"text":                     Varchar,
	"строка":                   Varchar,
	"double precision":         Double,
	"float":                    Double,
	"double":                   Double,
	"вещественное":             Double,
	"нецелое":                  Double,
	"integer":                  Int,
	"int":                      Int,
	"number":                   Int,
	"целое":                    Int,
	"smallint":                 SmallInt,
	"малое":                    SmallInt,
	"малое целое":              SmallInt,
	"jsonb":                    JSONB,
	"json":                     JSONB,
	"boolean":                  Boolean,
	"булево":                   Boolean,
	"timestamp":                Timestamp,
	"timestamp with time zone": Timestamp,
	"date":                     Timestamp,
	"time":                     Timestamp,
	"datetime":                 Timestamp,
	"дата":                     Timestamp,
	"время":                    Timestamp,
}

// falseTokens are the string values treated as boolean false, case-insensitive.
var falseTokens = map[string]bool{
	"-": true, "0": true, "false": true, "no": true, "off": true,
	"нет": true, "ложь": true,
}

// FromName resolves a type name to a Type. Names not in the synonym table
// that still look like a varchar declaration (e.g. "character varying(64)")
// fall back to Varchar.
func FromName(name string) (Type, error) {
	if t, ok := nameMapping[strings.ToLower(name)]; ok {
		return t, nil
	}
	if strings.HasPrefix(strings.ToLower(name), "character varying") {
		return Varchar, nil
	}
	return 0, fmt.Errorf("type %q cannot be mapped to a storage type", name)
}

// SQLName returns the canonical Postgres name of the type.
func (t Type) SQLName() string {
	switch t {
	case Int:
		return "integer"
	case Varchar:
		return "character varying"
	case Double:
		return "double precision"
	case Boolean:
		return "boolean"
	case SmallInt:
		return "smallint"
	case JSONB:
		return "jsonb"
	case Timestamp:
		return "timestamp with time zone"
	}
	return "unknown"
}

func (t Type) String() string {
	return t.SQLName()
}

// Cast coerces a raw value into the target type. nil, NaN and the empty
// string coerce to nil regardless of target type. The returned value is one
// of int, float64, bool, string or nil.
func (t Type) Cast(value any) (any, error) {
	if isNull(value) {
		return nil, nil
	}
	switch t {
	case Int, SmallInt:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return int(f), nil
	case Double:
		return toFloat(value)
	case Boolean:
		if s, ok := value.(string); ok {
			return !falseTokens[strings.ToLower(s)], nil
		}
		if b, ok := value.(bool); ok {
			return b, nil
		}
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return f != 0, nil
	case Varchar:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	case JSONB:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("value cannot be serialized to jsonb: %w", err)
		}
		return string(data), nil
	case Timestamp:
		if tm, ok := value.(time.Time); ok {
			return tm.Format("2006-01-02 15:04:05"), nil
		}
		return nil, fmt.Errorf("only time.Time can be cast to a timestamp, got %T", value)
	}
	return nil, fmt.Errorf("cast is not implemented for type %v", t)
}

// isNull reports whether the value must coerce to null: nil, empty string or
// a not-a-number sentinel.
func isNull(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case float64:
		return math.IsNaN(v)
	case float32:
		return math.IsNaN(float64(v))
	}
	return false
}

// toFloat is the shared float intermediate, so integer targets tolerate
// inputs like "3.0".
func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("value of type %T is not numeric", value)
}

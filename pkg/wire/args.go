package wire

import (
	"encoding/json"
	"math"
	"strconv"
)

// Args is the ordered argument list of a Command. Decoded numbers arrive as
// float64 (JSON) or int64/uint64 (CBOR); the accessors hide the difference.
type Args []any

// Value returns the i-th argument or nil when out of range.
func (a Args) Value(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// Int returns the i-th argument as an int. Fractional floats and strings
// that do not parse as integers are rejected.
func (a Args) Int(i int) (int, bool) {
	switch v := a.Value(i).(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// Float returns the i-th argument as a float64.
func (a Args) Float(i int) (float64, bool) {
	switch v := a.Value(i).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// String returns the i-th argument as a string. Numbers are formatted so
// that worker ids sent as either 3 or "3" compare equal.
func (a Args) String(i int) (string, bool) {
	switch v := a.Value(i).(type) {
	case string:
		return v, true
	case nil:
		return "", false
	}
	if n, ok := a.Int(i); ok {
		return strconv.Itoa(n), true
	}
	if f, ok := a.Float(i); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

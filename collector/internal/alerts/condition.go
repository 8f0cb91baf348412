package alerts

import (
	"strconv"
	"strings"

	"github.com/vigilrun/vigil/collector/internal/store"
)

// evalCondition evaluates a rule condition string against a session.
//
// Supported expressions (field operator value):
//
//	heap_mb > 512
//	loop_slowest_ms > 250
//	goroutines > 10000
//	error_count >= 1
//	reconnects > 5
//	state == disconnected
//	app_name != checkout
//
// Numeric fields are those of store.Session.Number, including metric names.
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field has no
// value yet.
func evalCondition(cond string, s store.Session) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	if v, ok := s.Text(field); ok {
		switch op {
		case "==":
			return v == rhs, 0
		case "!=":
			return v != rhs, 0
		}
		return false, 0
	}

	v, ok := s.Number(field)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}

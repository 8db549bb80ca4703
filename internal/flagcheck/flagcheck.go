// Package flagcheck maps a numeric datapoint plus a comparison rule to a
// boolean flag.
package flagcheck

import (
	"github.com/ipiton/stackmon/internal/config"
	"github.com/ipiton/stackmon/internal/expansion"
)

// Evaluate applies rule to value. A nil value always lowers the flag,
// regardless of operator.
//
// The boolean "raised" (true) means the threshold comparison fired, not
// that the service is healthy — whether that indicates trouble or wellness
// depends on how the operator phrased the rule.
func Evaluate(value *float32, rule expansion.RuntimeFlagRule) bool {
	if value == nil {
		return false
	}

	v := *value
	switch rule.Op {
	case config.OpLessThan:
		return v < rule.Threshold
	case config.OpGreaterThan:
		return v > rule.Threshold
	case config.OpEqual:
		return v == rule.Threshold
	default:
		return false
	}
}

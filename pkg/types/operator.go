package types

import "strings"

// Operator is the comparison a query applies to the partition key.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpBetween      Operator = "BETWEEN"
	OpIn           Operator = "IN"
	OpLike         Operator = "LIKE"
)

// ParseOperator maps a textual operator to an Operator.
// Unrecognised input is returned upper-cased and treated as a non-equality operator.
func ParseOperator(s string) Operator {
	switch op := strings.ToUpper(strings.TrimSpace(s)); op {
	case "=", "==", "EQ":
		return OpEqual
	case "!=", "<>", "NE":
		return OpNotEqual
	case "<", "LT":
		return OpLess
	case "<=", "LE":
		return OpLessEqual
	case ">", "GT":
		return OpGreater
	case ">=", "GE":
		return OpGreaterEqual
	default:
		return Operator(op)
	}
}

// IsEquality reports whether the operator pins the key to a single value.
func (o Operator) IsEquality() bool {
	return o == OpEqual
}

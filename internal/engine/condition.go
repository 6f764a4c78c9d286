package engine

import (
	"context"
	"fmt"

	"flare-signals/internal/signal"
)

// Compare applies op to two evaluated values. Equality is exact; no epsilon is applied.
func Compare(op signal.ComparisonOp, left, right float64) (bool, error) {
	switch op {
	case signal.CmpGt:
		return left > right, nil
	case signal.CmpGte:
		return left >= right, nil
	case signal.CmpLt:
		return left < right, nil
	case signal.CmpLte:
		return left <= right, nil
	case signal.CmpEq:
		return left == right, nil
	case signal.CmpNeq:
		return left != right, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

// EvaluateCondition evaluates both sides of cond and compares them.
func EvaluateCondition(ctx context.Context, cond signal.Condition, ec *Context) (bool, error) {
	left, right, err := evaluatePair(ctx, cond.Left, cond.Right, ec, 0)
	if err != nil {
		return false, err
	}
	return Compare(cond.Operator, left, right)
}

// Package engine evaluates signal expression trees against indexed chain data.
package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"flare-signals/internal/datasource"
	"flare-signals/internal/signal"
)

// MaxDepth bounds expression nesting.
const MaxDepth = 64

var (
	// ErrUnknownNode marks an expression variant the evaluator does not understand.
	ErrUnknownNode = errors.New("engine: unknown expression node")
	// ErrUnknownOperator marks an unsupported arithmetic or comparison operator.
	ErrUnknownOperator = errors.New("engine: unknown operator")
	// ErrDepthExceeded is returned for trees nested deeper than MaxDepth.
	ErrDepthExceeded = errors.New("engine: expression exceeds maximum depth")
)

// Context carries everything one evaluation needs. Times are unix milliseconds.
type Context struct {
	WindowStart int64
	Now         int64
	ChainID     int64
	// AnchorBlock is the block at WindowStart; nil when no window_start snapshot is used.
	AnchorBlock *uint64
	// NowBlock pins current snapshots to the block at Now. Nil reads the chain head.
	NowBlock *uint64
	Source   datasource.Source
}

// EvaluateNode reduces n to a number.
func EvaluateNode(ctx context.Context, n signal.Node, ec *Context) (float64, error) {
	return evaluate(ctx, n, ec, 0)
}

func evaluate(ctx context.Context, n signal.Node, ec *Context, depth int) (float64, error) {
	if depth >= MaxDepth {
		return 0, ErrDepthExceeded
	}

	switch v := n.(type) {
	case signal.Constant:
		return v.Value, nil
	case signal.StateRef:
		asOf := ec.NowBlock
		if v.AtWindowStart() {
			asOf = ec.AnchorBlock
		}
		return ec.Source.FetchState(ctx, v, asOf), nil
	case signal.EventRef:
		return ec.Source.FetchEvents(ctx, v, ec.WindowStart, ec.Now), nil
	case signal.BinaryExpression:
		left, right, err := evaluatePair(ctx, v.Left, v.Right, ec, depth+1)
		if err != nil {
			return 0, err
		}
		return combine(v.Operator, left, right)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownNode, n)
	}
}

// evaluatePair evaluates both operands concurrently. Leaves that need no I/O stay inline.
func evaluatePair(ctx context.Context, left, right signal.Node, ec *Context, depth int) (float64, float64, error) {
	if isConstant(left) || isConstant(right) {
		l, err := evaluate(ctx, left, ec, depth)
		if err != nil {
			return 0, 0, err
		}
		r, err := evaluate(ctx, right, ec, depth)
		if err != nil {
			return 0, 0, err
		}
		return l, r, nil
	}

	var l, r float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		l, err = evaluate(gctx, left, ec, depth)
		return err
	})
	g.Go(func() error {
		var err error
		r, err = evaluate(gctx, right, ec, depth)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return l, r, nil
}

func combine(op signal.MathOp, left, right float64) (float64, error) {
	switch op {
	case signal.OpAdd:
		return left + right, nil
	case signal.OpSub:
		return left - right, nil
	case signal.OpMul:
		return left * right, nil
	case signal.OpDiv:
		if right == 0 {
			return 0, nil
		}
		return left / right, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

func isConstant(n signal.Node) bool {
	_, ok := n.(signal.Constant)
	return ok
}

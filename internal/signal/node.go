package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownNodeType is returned when a stored expression carries an unrecognised tag.
var ErrUnknownNodeType = errors.New("signal: unknown expression node type")

// Node is one vertex of an expression tree. The set of implementations is closed:
// Constant, EventRef, StateRef and BinaryExpression.
type Node interface {
	node()
}

// MathOp combines two evaluated operands.
type MathOp string

const (
	OpAdd MathOp = "add"
	OpSub MathOp = "sub"
	OpMul MathOp = "mul"
	OpDiv MathOp = "div"
)

// Aggregation reduces matching events within a window.
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
)

// Snapshot selects the point in time a StateRef is read at.
type Snapshot string

const (
	SnapshotCurrent     Snapshot = "current"
	SnapshotWindowStart Snapshot = "window_start"
)

// Constant is a literal number.
type Constant struct {
	Value float64
}

// EventRef aggregates one field over events of a type inside the evaluation window.
type EventRef struct {
	EventType   string
	Filters     []Filter
	Field       string
	Aggregation Aggregation
}

// StateRef reads one field of an indexed entity, either now or at the window start.
type StateRef struct {
	EntityType string
	Filters    []Filter
	Field      string
	Snapshot   Snapshot
}

// AtWindowStart reports whether the reference needs a historical block anchor.
func (r StateRef) AtWindowStart() bool {
	return r.Snapshot == SnapshotWindowStart
}

// BinaryExpression applies Operator to Left and Right.
type BinaryExpression struct {
	Operator MathOp
	Left     Node
	Right    Node
}

func (Constant) node()         {}
func (EventRef) node()         {}
func (StateRef) node()         {}
func (BinaryExpression) node() {}

// NeedsWindowAnchor walks the tree and reports whether any StateRef reads the window start.
func NeedsWindowAnchor(n Node) bool {
	switch v := n.(type) {
	case StateRef:
		return v.AtWindowStart()
	case BinaryExpression:
		return NeedsWindowAnchor(v.Left) || NeedsWindowAnchor(v.Right)
	default:
		return false
	}
}

// ReadsCurrentState reports whether any StateRef in the tree reads the latest snapshot.
func ReadsCurrentState(n Node) bool {
	switch v := n.(type) {
	case StateRef:
		return !v.AtWindowStart()
	case BinaryExpression:
		return ReadsCurrentState(v.Left) || ReadsCurrentState(v.Right)
	default:
		return false
	}
}

type rawNode struct {
	Type string `json:"type"`

	Value *float64 `json:"value,omitempty"`

	EventType   string      `json:"event_type,omitempty"`
	EntityType  string      `json:"entity_type,omitempty"`
	Filters     []Filter    `json:"filters,omitempty"`
	Field       string      `json:"field,omitempty"`
	Aggregation Aggregation `json:"aggregation,omitempty"`
	Snapshot    Snapshot    `json:"snapshot,omitempty"`

	Operator MathOp          `json:"operator,omitempty"`
	Left     json.RawMessage `json:"left,omitempty"`
	Right    json.RawMessage `json:"right,omitempty"`
}

// DecodeNode builds an expression tree from its tagged JSON form.
func DecodeNode(data []byte) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode expression node: %w", err)
	}

	switch raw.Type {
	case "constant":
		if raw.Value == nil {
			return nil, errors.New("decode expression node: constant without value")
		}
		return Constant{Value: *raw.Value}, nil
	case "event":
		return EventRef{
			EventType:   raw.EventType,
			Filters:     raw.Filters,
			Field:       raw.Field,
			Aggregation: raw.Aggregation,
		}, nil
	case "state":
		return StateRef{
			EntityType: raw.EntityType,
			Filters:    raw.Filters,
			Field:      raw.Field,
			Snapshot:   raw.Snapshot,
		}, nil
	case "expression":
		left, err := DecodeNode(raw.Left)
		if err != nil {
			return nil, fmt.Errorf("left operand: %w", err)
		}
		right, err := DecodeNode(raw.Right)
		if err != nil {
			return nil, fmt.Errorf("right operand: %w", err)
		}
		return BinaryExpression{Operator: raw.Operator, Left: left, Right: right}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, raw.Type)
	}
}

// EncodeNode renders the tagged JSON form of a tree.
func EncodeNode(n Node) ([]byte, error) {
	raw, err := toRaw(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func toRaw(n Node) (map[string]any, error) {
	switch v := n.(type) {
	case Constant:
		return map[string]any{"type": "constant", "value": v.Value}, nil
	case EventRef:
		return map[string]any{
			"type":        "event",
			"event_type":  v.EventType,
			"filters":     nonNilFilters(v.Filters),
			"field":       v.Field,
			"aggregation": v.Aggregation,
		}, nil
	case StateRef:
		out := map[string]any{
			"type":        "state",
			"entity_type": v.EntityType,
			"filters":     nonNilFilters(v.Filters),
			"field":       v.Field,
		}
		if v.Snapshot != "" {
			out["snapshot"] = v.Snapshot
		}
		return out, nil
	case BinaryExpression:
		left, err := toRaw(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := toRaw(v.Right)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "expression", "operator": v.Operator, "left": left, "right": right}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownNodeType, n)
	}
}

func nonNilFilters(f []Filter) []Filter {
	if f == nil {
		return []Filter{}
	}
	return f
}

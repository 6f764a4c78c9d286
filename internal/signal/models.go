package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// FilterOp narrows the rows an EventRef or StateRef matches.
type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterNeq      FilterOp = "neq"
	FilterGt       FilterOp = "gt"
	FilterGte      FilterOp = "gte"
	FilterLt       FilterOp = "lt"
	FilterLte      FilterOp = "lte"
	FilterIn       FilterOp = "in"
	FilterContains FilterOp = "contains"
)

// Filter is a single field predicate. Value holds a string, number, bool or string list.
type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

// ComparisonOp is the relation a Condition checks.
type ComparisonOp string

const (
	CmpGt  ComparisonOp = "gt"
	CmpGte ComparisonOp = "gte"
	CmpLt  ComparisonOp = "lt"
	CmpLte ComparisonOp = "lte"
	CmpEq  ComparisonOp = "eq"
	CmpNeq ComparisonOp = "neq"
)

// Condition compares two expressions.
type Condition struct {
	Left     Node
	Operator ComparisonOp
	Right    Node
}

// Window is the lookback span of a signal, e.g. "1h".
type Window struct {
	Duration string `json:"duration"`
}

// DefaultCooldownMinutes applies to signals created without an explicit cooldown.
const DefaultCooldownMinutes = 5

// Signal is a user-defined alert rule.
type Signal struct {
	ID              string
	Name            string
	Description     string
	Chains          []int64
	Window          Window
	Condition       Condition
	WebhookURL      string
	CooldownMinutes int
	IsActive        bool
	LastTriggeredAt *time.Time
	LastEvaluatedAt *time.Time
}

// AnchorChain returns the chain used for block anchoring: the first declared chain, or mainnet.
func (s Signal) AnchorChain() int64 {
	if len(s.Chains) == 0 || s.Chains[0] == 0 {
		return 1
	}
	return s.Chains[0]
}

// Cooldown converts CooldownMinutes into a duration.
func (s Signal) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// EvaluationResult is the outcome of one signal check.
type EvaluationResult struct {
	SignalID  string
	Triggered bool
	Timestamp time.Time
}

// NotificationRecord is the append-only audit entry written for every dispatch attempt.
type NotificationRecord struct {
	ID            string
	SignalID      string
	TriggeredAt   time.Time
	Payload       json.RawMessage
	WebhookStatus *int
	DurationMs    int64
	Error         *string
	CreatedAt     time.Time
}

// Succeeded reports whether the webhook accepted the notification.
func (r NotificationRecord) Succeeded() bool {
	return r.Error == nil && r.WebhookStatus != nil && *r.WebhookStatus >= 200 && *r.WebhookStatus < 300
}

// WebhookPayload is the JSON body delivered to a signal's webhook.
type WebhookPayload struct {
	SignalID      string         `json:"signal_id"`
	SignalName    string         `json:"signal_name"`
	TriggeredAt   string         `json:"triggered_at"`
	Scope         []int64        `json:"scope"`
	ConditionsMet []any          `json:"conditions_met"`
	Context       map[string]any `json:"context"`
}

// Definition is the stored JSON shape of a signal's evaluation rules.
type Definition struct {
	Chains    []int64
	Window    Window
	Condition Condition
}

type rawDefinition struct {
	Chains    []int64      `json:"chains"`
	Window    Window       `json:"window"`
	Condition rawCondition `json:"condition"`
}

type rawCondition struct {
	Type     string          `json:"type,omitempty"`
	Left     json.RawMessage `json:"left"`
	Operator ComparisonOp    `json:"operator"`
	Right    json.RawMessage `json:"right"`
}

// DecodeDefinition parses the stored definition document.
func DecodeDefinition(data []byte) (Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	left, err := DecodeNode(raw.Condition.Left)
	if err != nil {
		return Definition{}, fmt.Errorf("condition left: %w", err)
	}
	right, err := DecodeNode(raw.Condition.Right)
	if err != nil {
		return Definition{}, fmt.Errorf("condition right: %w", err)
	}
	return Definition{
		Chains: raw.Chains,
		Window: raw.Window,
		Condition: Condition{
			Left:     left,
			Operator: raw.Condition.Operator,
			Right:    right,
		},
	}, nil
}

// EncodeDefinition renders the stored definition document.
func EncodeDefinition(def Definition) ([]byte, error) {
	left, err := EncodeNode(def.Condition.Left)
	if err != nil {
		return nil, err
	}
	right, err := EncodeNode(def.Condition.Right)
	if err != nil {
		return nil, err
	}
	chains := def.Chains
	if chains == nil {
		chains = []int64{}
	}
	return json.Marshal(rawDefinition{
		Chains: chains,
		Window: def.Window,
		Condition: rawCondition{
			Type:     "condition",
			Left:     left,
			Operator: def.Condition.Operator,
			Right:    right,
		},
	})
}

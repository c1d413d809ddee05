// Package rule implements the automation rule engine: recursive condition
// trees evaluated against the event store and wall-clock time, and the
// tick loop that turns matched rules into desired output states.
package rule

import (
	"encoding/json"
	"fmt"

	"github.com/c360/canopy/errors"
)

// Group operators.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// Leaf condition types.
const (
	LeafTime   = "time"
	LeafDate   = "date"
	LeafSensor = "sensor"
	LeafOutput = "output"
)

// Rule is one automation rule. Rules are ordered by Position; later rules
// override earlier ones for the same output channel.
type Rule struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Enabled    bool           `json:"enabled"`
	Position   int            `json:"position"`
	Conditions *ConditionNode `json:"conditions"`
	Action     Action         `json:"action"`
}

// ConditionNode is a tagged union: exactly one of Group or Leaf is set.
type ConditionNode struct {
	Group *GroupNode
	Leaf  *LeafNode
}

// GroupNode combines child conditions with AND or OR.
type GroupNode struct {
	Operator   string           `json:"operator"`
	Conditions []*ConditionNode `json:"conditions"`
}

// LeafNode is a single comparison against time, date, a sensor value, or
// an output value.
type LeafNode struct {
	Type     string  `json:"type"`
	Channel  string  `json:"channel,omitempty"`
	Operator string  `json:"operator"`
	Value    Operand `json:"value"`
}

// Operand is a leaf's comparison target. Exactly one field is set:
// Number for numeric literals, Text for single time/date literals,
// Range for inclusive [start, end] ranges, Dynamic for comparisons
// against another sensor.
type Operand struct {
	Number  *float64
	Text    string
	Range   []string
	Dynamic *DynamicRef
}

// DynamicRef makes a sensor leaf compare against
// referenced-sensor * Factor + Offset instead of a literal. A factor
// omitted from the stored JSON defaults to 1.
type DynamicRef struct {
	Channel string  `json:"channel"`
	Factor  float64 `json:"factor"`
	Offset  float64 `json:"offset"`
}

// UnmarshalJSON defaults an absent factor to 1, so a bare
// {"channel": ...} reference compares against the sensor unchanged.
func (d *DynamicRef) UnmarshalJSON(data []byte) error {
	type plain DynamicRef
	aux := struct {
		Factor *float64 `json:"factor"`
		*plain
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.WrapInvalid(err, "DynamicRef", "UnmarshalJSON", "unmarshal dynamic reference")
	}
	d.Factor = 1
	if aux.Factor != nil {
		d.Factor = *aux.Factor
	}
	return nil
}

// Action sets an output channel to a literal value or to a value
// calculated from sensors when the rule matches.
type Action struct {
	Channel string      `json:"channel"`
	Value   ActionValue `json:"value"`
}

// ActionValue is a literal number or a Calculated expression.
type ActionValue struct {
	Number     *float64
	Calculated *Calculated
}

// Calculated resolves to (SensorA - SensorB) * Factor + Offset, with
// missing sensors defaulting to 0. SensorB may be empty. A factor
// omitted from the stored JSON defaults to 1.
type Calculated struct {
	SensorA string  `json:"sensorA"`
	SensorB string  `json:"sensorB,omitempty"`
	Factor  float64 `json:"factor"`
	Offset  float64 `json:"offset"`
}

// UnmarshalJSON defaults an absent factor to 1.
func (c *Calculated) UnmarshalJSON(data []byte) error {
	type plain Calculated
	aux := struct {
		Factor *float64 `json:"factor"`
		*plain
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.WrapInvalid(err, "Calculated", "UnmarshalJSON", "unmarshal calculated value")
	}
	c.Factor = 1
	if aux.Factor != nil {
		c.Factor = *aux.Factor
	}
	return nil
}

// UnmarshalJSON distinguishes groups from leaves by the presence of a
// "conditions" array, matching the stored rule format.
func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	var probe struct {
		Conditions json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.WrapInvalid(err, "ConditionNode", "UnmarshalJSON", "probe node shape")
	}

	if probe.Conditions != nil {
		var group GroupNode
		if err := json.Unmarshal(data, &group); err != nil {
			return errors.WrapInvalid(err, "ConditionNode", "UnmarshalJSON", "unmarshal group")
		}
		if group.Operator != OpAnd && group.Operator != OpOr {
			return errors.WrapInvalid(
				fmt.Errorf("group operator must be AND or OR, got %q", group.Operator),
				"ConditionNode", "UnmarshalJSON", "validate group operator")
		}
		n.Group = &group
		return nil
	}

	var leaf LeafNode
	if err := json.Unmarshal(data, &leaf); err != nil {
		return errors.WrapInvalid(err, "ConditionNode", "UnmarshalJSON", "unmarshal leaf")
	}
	switch leaf.Type {
	case LeafTime, LeafDate, LeafSensor, LeafOutput:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownLeaf, leaf.Type),
			"ConditionNode", "UnmarshalJSON", "validate leaf type")
	}
	n.Leaf = &leaf
	return nil
}

// MarshalJSON emits the stored rule format.
func (n ConditionNode) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return json.Marshal(n.Leaf)
}

// UnmarshalJSON accepts a number, a string, a [start, end] array, or a
// {"type": "dynamic"} object.
func (o *Operand) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		o.Number = &num
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		o.Text = text
		return nil
	}

	var rng []string
	if err := json.Unmarshal(data, &rng); err == nil {
		if len(rng) != 2 {
			return errors.WrapInvalid(
				fmt.Errorf("range operand must have 2 elements, got %d", len(rng)),
				"Operand", "UnmarshalJSON", "validate range")
		}
		o.Range = rng
		return nil
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.WrapInvalid(err, "Operand", "UnmarshalJSON", "unmarshal operand")
	}
	if probe.Type != "dynamic" {
		return errors.WrapInvalid(
			fmt.Errorf("unknown operand object type %q", probe.Type),
			"Operand", "UnmarshalJSON", "validate operand type")
	}
	var dyn DynamicRef
	if err := json.Unmarshal(data, &dyn); err != nil {
		return errors.WrapInvalid(err, "Operand", "UnmarshalJSON", "unmarshal dynamic operand")
	}
	o.Dynamic = &dyn
	return nil
}

// MarshalJSON emits the stored rule format.
func (o Operand) MarshalJSON() ([]byte, error) {
	switch {
	case o.Number != nil:
		return json.Marshal(*o.Number)
	case o.Dynamic != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*DynamicRef
		}{"dynamic", o.Dynamic})
	case o.Range != nil:
		return json.Marshal(o.Range)
	default:
		return json.Marshal(o.Text)
	}
}

// UnmarshalJSON accepts a number or a {"type": "calculated"} object.
func (v *ActionValue) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		v.Number = &num
		return nil
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.WrapInvalid(err, "ActionValue", "UnmarshalJSON", "unmarshal action value")
	}
	if probe.Type != "calculated" {
		return errors.WrapInvalid(
			fmt.Errorf("unknown action value type %q", probe.Type),
			"ActionValue", "UnmarshalJSON", "validate action value type")
	}
	var calc Calculated
	if err := json.Unmarshal(data, &calc); err != nil {
		return errors.WrapInvalid(err, "ActionValue", "UnmarshalJSON", "unmarshal calculated value")
	}
	v.Calculated = &calc
	return nil
}

// MarshalJSON emits the stored rule format.
func (v ActionValue) MarshalJSON() ([]byte, error) {
	if v.Calculated != nil {
		return json.Marshal(struct {
			Type string `json:"type"`
			*Calculated
		}{"calculated", v.Calculated})
	}
	if v.Number != nil {
		return json.Marshal(*v.Number)
	}
	return json.Marshal(0)
}

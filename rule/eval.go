package rule

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/c360/canopy/eventstore"
	"github.com/c360/canopy/pkg/timestamp"
)

// ValueReader is the event store surface the evaluator needs.
// *eventstore.Store satisfies it.
type ValueReader interface {
	LatestSensorValue(device, channel string) (float64, bool, error)
	LatestOutputValue(channel string) (float64, error)
}

// NodeStatus annotates one condition node with its evaluation result.
// Sensor leaves additionally record the resolved actual value. The
// annotation is observability only; it never feeds back into evaluation.
type NodeStatus struct {
	Matched  bool          `json:"matched"`
	Actual   *float64      `json:"actual,omitempty"`
	Children []*NodeStatus `json:"children,omitempty"`
}

// Evaluator evaluates condition trees. It is a pure function of the
// current store state and wall-clock time: the same store contents and
// clock always produce the same result.
type Evaluator struct {
	values ValueReader
	logger *slog.Logger
	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewEvaluator creates an evaluator reading values from the given store.
func NewEvaluator(values ValueReader, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		values: values,
		logger: logger.With("component", "rule-evaluator"),
		now:    time.Now,
	}
}

// Evaluate walks the condition tree and returns its annotated status.
// A nil tree never matches: a rule without conditions has nothing to
// assert and stays inert.
func (e *Evaluator) Evaluate(node *ConditionNode) *NodeStatus {
	if node == nil {
		return &NodeStatus{Matched: false}
	}
	if node.Group != nil {
		return e.evaluateGroup(node.Group)
	}
	return e.evaluateLeaf(node.Leaf)
}

// evaluateGroup evaluates all children even after the result is decided
// so every node carries its annotation.
func (e *Evaluator) evaluateGroup(group *GroupNode) *NodeStatus {
	status := &NodeStatus{Children: make([]*NodeStatus, 0, len(group.Conditions))}

	matched := group.Operator == OpAnd
	for _, child := range group.Conditions {
		childStatus := e.Evaluate(child)
		status.Children = append(status.Children, childStatus)
		if group.Operator == OpAnd {
			matched = matched && childStatus.Matched
		} else {
			matched = matched || childStatus.Matched
		}
	}

	// An empty AND group matches; an empty OR group does not.
	status.Matched = matched
	return status
}

func (e *Evaluator) evaluateLeaf(leaf *LeafNode) *NodeStatus {
	switch leaf.Type {
	case LeafTime:
		return &NodeStatus{Matched: e.evaluateTime(leaf)}
	case LeafDate:
		return &NodeStatus{Matched: e.evaluateDate(leaf)}
	case LeafSensor:
		return e.evaluateSensor(leaf)
	case LeafOutput:
		return e.evaluateOutput(leaf)
	default:
		return &NodeStatus{Matched: false}
	}
}

// evaluateTime compares current minutes-since-midnight against a "HH:MM"
// literal or an inclusive ["HH:MM", "HH:MM"] range.
func (e *Evaluator) evaluateTime(leaf *LeafNode) bool {
	now := timestamp.MinutesSinceMidnight(e.now())

	if leaf.Operator == "between" {
		if len(leaf.Value.Range) != 2 {
			return false
		}
		start, okS := parseClock(leaf.Value.Range[0])
		end, okE := parseClock(leaf.Value.Range[1])
		if !okS || !okE {
			return false
		}
		return now >= start && now <= end
	}

	target, ok := parseClock(leaf.Value.Text)
	if !ok {
		return false
	}
	switch leaf.Operator {
	case "=":
		return now == target
	case "<":
		return now < target
	case ">":
		return now > target
	default:
		return false
	}
}

// evaluateDate compares today's local ISO date against a literal or an
// inclusive range. ISO dates compare correctly as strings.
func (e *Evaluator) evaluateDate(leaf *LeafNode) bool {
	today := e.now().Format("2006-01-02")

	if leaf.Operator == "between" {
		if len(leaf.Value.Range) != 2 {
			return false
		}
		return today >= leaf.Value.Range[0] && today <= leaf.Value.Range[1]
	}

	target := leaf.Value.Text
	if target == "" {
		return false
	}
	switch leaf.Operator {
	case "before":
		return today < target
	case "after":
		return today > target
	case "=":
		return today == target
	default:
		return false
	}
}

// evaluateSensor resolves the sensor's latest value and compares it
// against a literal or a dynamic reference. A missing primary sensor
// never matches; a missing dynamic reference resolves to 0.
func (e *Evaluator) evaluateSensor(leaf *LeafNode) *NodeStatus {
	actual, ok := e.sensorValue(leaf.Channel)
	if !ok {
		return &NodeStatus{Matched: false}
	}

	var target float64
	switch {
	case leaf.Value.Dynamic != nil:
		ref, _ := e.sensorValue(leaf.Value.Dynamic.Channel)
		target = ref*leaf.Value.Dynamic.Factor + leaf.Value.Dynamic.Offset
	case leaf.Value.Number != nil:
		target = *leaf.Value.Number
	default:
		return &NodeStatus{Matched: false, Actual: &actual}
	}

	return &NodeStatus{
		Matched: compare(actual, leaf.Operator, target),
		Actual:  &actual,
	}
}

// evaluateOutput compares an output channel's latest value (0 default)
// against a literal.
func (e *Evaluator) evaluateOutput(leaf *LeafNode) *NodeStatus {
	actual, err := e.values.LatestOutputValue(leaf.Channel)
	if err != nil {
		// Storage unavailable reads as empty: default 0.
		e.logger.Debug("output value read failed", "channel", leaf.Channel, "error", err)
		actual = 0
	}

	if leaf.Value.Number == nil {
		return &NodeStatus{Matched: false, Actual: &actual}
	}

	return &NodeStatus{
		Matched: compare(actual, leaf.Operator, *leaf.Value.Number),
		Actual:  &actual,
	}
}

// sensorValue resolves a full "device:channel" key to its latest numeric
// value. Storage failures read as missing.
func (e *Evaluator) sensorValue(key string) (float64, bool) {
	device, channel, ok := eventstore.SplitKey(key)
	if !ok {
		return 0, false
	}
	value, found, err := e.values.LatestSensorValue(device, channel)
	if err != nil {
		e.logger.Debug("sensor value read failed", "key", key, "error", err)
		return 0, false
	}
	return value, found
}

// compare applies a comparison operator with epsilon-tolerant equality.
func compare(actual float64, operator string, target float64) bool {
	switch operator {
	case "=":
		return math.Abs(actual-target) < eventstore.Epsilon
	case "!=":
		return math.Abs(actual-target) >= eventstore.Epsilon
	case "<":
		return actual < target
	case ">":
		return actual > target
	case "<=":
		return actual <= target
	case ">=":
		return actual >= target
	default:
		return false
	}
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}
	return hours*60 + minutes, true
}

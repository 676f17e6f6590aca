package filter

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON renders the group in the external shape.
func (g *Group) MarshalJSON() ([]byte, error) {
	values := g.Values
	if values == nil {
		values = []Node{}
	}
	return json.Marshal(struct {
		Type   Operator `json:"type"`
		Values []Node   `json:"values"`
	}{Type: g.Operator, Values: values})
}

// MarshalJSON renders the property in the external shape.
func (p *Property) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.ToMap())
}

// ToMap returns the external field map for the property. Only fields that
// are set appear; the result feeds both JSON encoding and condition hashing.
func (p *Property) ToMap() map[string]any {
	m := map[string]any{
		"key":  p.Key,
		"type": string(p.Type),
	}
	if p.Value != nil {
		m["value"] = p.Value
	}
	if p.Operator != "" {
		m["operator"] = p.Operator
	}
	if p.Negation {
		m["negation"] = true
	}
	if p.GroupTypeIndex != nil {
		m["group_type_index"] = *p.GroupTypeIndex
	}
	if p.Behavior != nil {
		addBehaviorFields(m, p.Behavior)
	}
	return m
}

func addBehaviorFields(m map[string]any, b Behavior) {
	m["value"] = string(b.Kind())
	subject := b.Subject()
	m["event_type"] = string(subject.Type)

	switch v := b.(type) {
	case PerformedEvent:
		addWindow(m, "time", v.Window)
	case PerformedEventFirstTime:
		addWindow(m, "time", v.Window)
	case PerformedEventMultiple:
		addWindow(m, "time", v.Window)
		m["operator"] = string(v.Operator)
		m["operator_value"] = v.OperatorValue
	case StoppedPerformingEvent:
		addWindow(m, "time", v.Window)
		addWindow(m, "seq_time", v.SeqWindow)
	case RestartedPerformingEvent:
		addWindow(m, "time", v.Window)
		addWindow(m, "seq_time", v.SeqWindow)
	case PerformedEventSequence:
		addWindow(m, "time", v.Window)
		addWindow(m, "seq_time", v.SeqWindow)
		m["seq_event"] = v.SeqEntity.Key
		m["seq_event_type"] = string(v.SeqEntity.Type)
	case PerformedEventRegularly:
		addWindow(m, "time", v.Window)
		m["operator"] = string(v.Operator)
		m["operator_value"] = v.OperatorValue
		m["min_periods"] = v.MinPeriods
		m["total_periods"] = v.TotalPeriods
	default:
		panic(fmt.Sprintf("filter: unhandled behavior %T", b))
	}
}

func addWindow(m map[string]any, prefix string, w Window) {
	m[prefix+"_value"] = w.Value
	m[prefix+"_interval"] = string(w.Interval)
}

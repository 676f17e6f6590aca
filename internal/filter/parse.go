package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Parse parses an external filter tree.
//
// The input is a PropertyGroup object ({"type": "AND"|"OR", "values": [...]}).
// A bare array of properties is accepted as the legacy flat form and wrapped
// in an AND group. Empty input and JSON null parse to an empty AND group.
//
// Parse is pure and total: it returns a complete tree or a
// *MalformedFilterError, never a partial tree.
func Parse(data []byte) (*Group, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &Group{Operator: And}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, malformed(ErrCodeInvalidJSON, "", "", "invalid JSON: %v", err)
	}
	if dec.More() {
		return nil, malformed(ErrCodeInvalidJSON, "", "", "trailing data after filter")
	}

	return ParseValue(raw)
}

// ParseValue parses an already-decoded filter tree. Numbers may be
// json.Number, float64 or integer types.
func ParseValue(raw any) (*Group, error) {
	switch v := raw.(type) {
	case nil:
		return &Group{Operator: And}, nil
	case []any:
		return parseValues(And, v, "")
	case map[string]any:
		if !isGroupShape(v) {
			return nil, malformed(ErrCodeInvalidJSON, "", "", "top level must be a property group")
		}
		return parseGroup(v, "")
	default:
		return nil, malformed(ErrCodeInvalidJSON, "", "", "top level must be an object or array, got %T", raw)
	}
}

// isGroupShape reports whether an object is a group rather than a leaf.
func isGroupShape(obj map[string]any) bool {
	if _, ok := obj["values"]; ok {
		return true
	}
	t, _ := obj["type"].(string)
	return Operator(t).Valid()
}

func parseGroup(obj map[string]any, path string) (*Group, error) {
	opRaw, _ := obj["type"].(string)
	op := Operator(opRaw)
	if !op.Valid() {
		return nil, malformed(ErrCodeInvalidOperator, path, "type",
			"group operator must be AND or OR, got %q", opRaw)
	}

	rawValues, present := obj["values"]
	if !present || rawValues == nil {
		return &Group{Operator: op}, nil
	}
	values, ok := rawValues.([]any)
	if !ok {
		return nil, malformed(ErrCodeInvalidField, path, "values", "values must be an array, got %T", rawValues)
	}
	return parseValues(op, values, path)
}

func parseValues(op Operator, values []any, path string) (*Group, error) {
	g := &Group{Operator: op, Values: make([]Node, 0, len(values))}

	var sawGroup, sawProperty bool
	for i, raw := range values {
		childPath := joinPath(path, fmt.Sprintf("values[%d]", i))
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, malformed(ErrCodeInvalidJSON, childPath, "", "expected object, got %T", raw)
		}

		if isGroupShape(obj) {
			sawGroup = true
			if sawProperty {
				return nil, malformed(ErrCodeMixedValues, path, "values",
					"group mixes properties and groups")
			}
			child, err := parseGroup(obj, childPath)
			if err != nil {
				return nil, err
			}
			g.Values = append(g.Values, child)
			continue
		}

		sawProperty = true
		if sawGroup {
			return nil, malformed(ErrCodeMixedValues, path, "values",
				"group mixes properties and groups")
		}
		prop, err := parseProperty(obj, childPath)
		if err != nil {
			return nil, err
		}
		g.Values = append(g.Values, prop)
	}

	return g, nil
}

func parseProperty(obj map[string]any, path string) (*Property, error) {
	typ, err := stringField(obj, "type", path, true)
	if err != nil {
		return nil, err
	}
	pt := PropertyType(typ)
	if !externalTypes[pt] {
		return nil, malformed(ErrCodeUnknownPropertyType, path, "type", "unknown property type %q", typ)
	}

	key, err := keyField(obj, "key", path)
	if err != nil {
		return nil, err
	}

	prop := &Property{
		Key:   key,
		Value: obj["value"],
		Type:  pt,
	}

	if prop.Operator, err = stringField(obj, "operator", path, false); err != nil {
		return nil, err
	}
	if raw, ok := obj["negation"]; ok && raw != nil {
		neg, isBool := raw.(bool)
		if !isBool {
			return nil, malformed(ErrCodeInvalidField, path, "negation", "negation must be a boolean")
		}
		prop.Negation = neg
	}

	if raw, ok := obj["group_type_index"]; ok && raw != nil {
		idx, err := intValue(raw)
		if err != nil || idx < 0 {
			return nil, malformed(ErrCodeInvalidField, path, "group_type_index",
				"group_type_index must be a non-negative integer")
		}
		i := int(idx)
		prop.GroupTypeIndex = &i
	}

	switch pt {
	case TypeGroup:
		if prop.GroupTypeIndex == nil {
			return nil, malformed(ErrCodeMissingField, path, "group_type_index",
				"group properties require group_type_index")
		}
	case TypeCohort, TypePrecalculatedCohort, TypeStaticCohort:
		if prop.Value == nil {
			return nil, malformed(ErrCodeMissingField, path, "value", "cohort reference requires a cohort id")
		}
		id, err := toInt64(prop.Value)
		if err != nil {
			return nil, malformed(ErrCodeInvalidField, path, "value", "cohort id must be an integer: %v", err)
		}
		prop.Value = id
	case TypeBehavioral:
		b, err := parseBehavior(obj, key, path)
		if err != nil {
			return nil, err
		}
		prop.Behavior = b
	}

	return prop, nil
}

func parseBehavior(obj map[string]any, key, path string) (Behavior, error) {
	kindRaw, err := stringField(obj, "value", path, true)
	if err != nil {
		return nil, err
	}
	kind := BehaviorKind(kindRaw)
	if !kind.Valid() {
		return nil, malformed(ErrCodeUnknownBehavior, path, "value", "unknown behavioral kind %q", kindRaw)
	}

	entity, err := entityField(obj, "event_type", key, path)
	if err != nil {
		return nil, err
	}
	window, err := windowField(obj, "time_value", "time_interval", path)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindPerformedEvent:
		return PerformedEvent{Entity: entity, Window: window}, nil

	case KindPerformedEventFirstTime:
		return PerformedEventFirstTime{Entity: entity, Window: window}, nil

	case KindPerformedEventMultiple:
		op, err := countOperatorField(obj, path, CountEq)
		if err != nil {
			return nil, err
		}
		n, err := positiveIntField(obj, "operator_value", path)
		if err != nil {
			return nil, err
		}
		return PerformedEventMultiple{Entity: entity, Window: window, Operator: op, OperatorValue: n}, nil

	case KindStoppedPerformingEvent, KindRestartedPerformingEvent:
		seq, err := seqWindowField(obj, window, path)
		if err != nil {
			return nil, err
		}
		if kind == KindStoppedPerformingEvent {
			return StoppedPerformingEvent{Entity: entity, Window: window, SeqWindow: seq}, nil
		}
		return RestartedPerformingEvent{Entity: entity, Window: window, SeqWindow: seq}, nil

	case KindPerformedEventSequence:
		seqKey, err := keyField(obj, "seq_event", path)
		if err != nil {
			return nil, err
		}
		seqEntity, err := entityField(obj, "seq_event_type", seqKey, path)
		if err != nil {
			return nil, err
		}
		seq, err := seqWindowField(obj, window, path)
		if err != nil {
			return nil, err
		}
		return PerformedEventSequence{Entity: entity, Window: window, SeqEntity: seqEntity, SeqWindow: seq}, nil

	case KindPerformedEventRegularly:
		op, err := countOperatorField(obj, path, CountGte)
		if err != nil {
			return nil, err
		}
		n, err := positiveIntField(obj, "operator_value", path)
		if err != nil {
			return nil, err
		}
		minPeriods, err := boundedIntField(obj, "min_periods", path, MaxPeriods)
		if err != nil {
			return nil, err
		}
		totalPeriods, err := boundedIntField(obj, "total_periods", path, MaxPeriods)
		if err != nil {
			return nil, err
		}
		if minPeriods > totalPeriods {
			return nil, malformed(ErrCodePeriodsOutOfRange, path, "min_periods",
				"min_periods (%d) exceeds total_periods (%d)", minPeriods, totalPeriods)
		}
		return PerformedEventRegularly{
			Entity:        entity,
			Window:        window,
			Operator:      op,
			OperatorValue: n,
			MinPeriods:    minPeriods,
			TotalPeriods:  totalPeriods,
		}, nil

	default:
		return nil, malformed(ErrCodeUnknownBehavior, path, "value", "unknown behavioral kind %q", kindRaw)
	}
}

// seqWindowField parses the sequence window and checks it does not reach
// further back than the main window.
func seqWindowField(obj map[string]any, window Window, path string) (Window, error) {
	seq, err := windowField(obj, "seq_time_value", "seq_time_interval", path)
	if err != nil {
		return Window{}, err
	}
	if seq.Longer(window) {
		return Window{}, malformed(ErrCodeSequenceWindow, path, "seq_time_value",
			"sequence window %d %s reaches further back than %d %s",
			seq.Value, seq.Interval, window.Value, window.Interval)
	}
	return seq, nil
}

func windowField(obj map[string]any, valueField, intervalField, path string) (Window, error) {
	n, err := boundedIntField(obj, valueField, path, MaxWindowValue)
	if err != nil {
		return Window{}, err
	}
	unit, err := stringField(obj, intervalField, path, true)
	if err != nil {
		return Window{}, err
	}
	interval := Interval(unit)
	if !interval.Valid() {
		return Window{}, malformed(ErrCodeInvalidInterval, path, intervalField,
			"interval must be one of minute, hour, day, week, month, year; got %q", unit)
	}
	return Window{Value: n, Interval: interval}, nil
}

func entityField(obj map[string]any, field, key, path string) (Entity, error) {
	raw, err := stringField(obj, field, path, true)
	if err != nil {
		return Entity{}, err
	}
	et := EntityType(raw)
	switch et {
	case EntityEvents:
	case EntityActions:
		if _, err := toInt64(key); err != nil {
			return Entity{}, malformed(ErrCodeInvalidField, path, "key", "action id must be an integer, got %q", key)
		}
	default:
		return Entity{}, malformed(ErrCodeInvalidEntityType, path, field, "must be events or actions, got %q", raw)
	}
	return Entity{Type: et, Key: key}, nil
}

func countOperatorField(obj map[string]any, path string, def CountOperator) (CountOperator, error) {
	raw, err := stringField(obj, "operator", path, false)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return def, nil
	}
	op, ok := parseCountOperator(raw)
	if !ok {
		return "", malformed(ErrCodeInvalidCountOperator, path, "operator",
			"count operator must be one of exact, eq, gte, lte, gt, lt; got %q", raw)
	}
	return op, nil
}

func positiveIntField(obj map[string]any, field, path string) (int64, error) {
	raw, ok := obj[field]
	if !ok || raw == nil {
		return 0, malformed(ErrCodeMissingField, path, field, "%s is required", field)
	}
	n, err := intValue(raw)
	if err != nil || n <= 0 {
		return 0, malformed(ErrCodeNotPositiveInteger, path, field, "%s must be a positive integer, got %v", field, raw)
	}
	return n, nil
}

func boundedIntField(obj map[string]any, field, path string, limit int64) (int64, error) {
	n, err := positiveIntField(obj, field, path)
	if err != nil {
		return 0, err
	}
	if n > limit {
		return 0, malformed(ErrCodeValueTooLarge, path, field, "%s must be at most %d, got %d", field, limit, n)
	}
	return n, nil
}

func stringField(obj map[string]any, field, path string, required bool) (string, error) {
	raw, ok := obj[field]
	if !ok || raw == nil {
		if required {
			return "", malformed(ErrCodeMissingField, path, field, "%s is required", field)
		}
		return "", nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", malformed(ErrCodeInvalidField, path, field, "%s must be a string, got %T", field, raw)
	}
	if required && s == "" {
		return "", malformed(ErrCodeMissingField, path, field, "%s is required", field)
	}
	return s, nil
}

// keyField reads an entity key, which may be a string or an integer (action
// and cohort ids are commonly sent as numbers).
func keyField(obj map[string]any, field, path string) (string, error) {
	raw, ok := obj[field]
	if !ok || raw == nil {
		return "", malformed(ErrCodeMissingField, path, field, "%s is required", field)
	}
	switch k := raw.(type) {
	case string:
		if k == "" {
			return "", malformed(ErrCodeMissingField, path, field, "%s is required", field)
		}
		return k, nil
	case json.Number:
		return k.String(), nil
	default:
		n, err := intValue(raw)
		if err != nil {
			return "", malformed(ErrCodeInvalidField, path, field, "%s must be a string or integer, got %T", field, raw)
		}
		return strconv.FormatInt(n, 10), nil
	}
}

// intValue accepts integral JSON numbers and decimal strings.
func intValue(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		return strconv.ParseInt(v.String(), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case bool:
		return 0, fmt.Errorf("boolean is not an integer")
	default:
		return toInt64(raw)
	}
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/cohortc/internal/filter"
)

// behaviorColumn is one aggregate in the behavior subquery.
type behaviorColumn struct {
	alias string
	expr  string
}

// sequenceColumns are the window-function columns of one sequence condition.
type sequenceColumns struct {
	step      []string // computed per event row
	windowed  []string // the intermediate select, after the window function
	aggregate behaviorColumn
}

// interval validates a window before its unit is spliced into SQL and binds
// its length.
func (s *state) interval(w filter.Window, name string) (string, error) {
	if !w.Interval.Valid() || w.Value <= 0 {
		return "", invariant("invalid window %d %q", w.Value, w.Interval)
	}
	return fmt.Sprintf("INTERVAL %s %s", s.bind(name, w.Value), w.Interval), nil
}

// addBehavior renders a behavioral leaf into the behavior subquery and
// returns the column alias the outer WHERE references.
func (s *state) addBehavior(p *filter.Property, n int) (string, error) {
	if p.Behavior == nil {
		return "", invariant("behavioral property %q has no behavior", p.Key)
	}
	b := p.Behavior
	alias := fmt.Sprintf("%s_condition_%d", b.Kind(), n)

	if seq, ok := b.(filter.PerformedEventSequence); ok {
		cols, err := s.sequence(seq, n, alias)
		if err != nil {
			return "", err
		}
		s.sequences = append(s.sequences, cols)
		s.trackLookback(seq.Window)
		return alias, nil
	}

	ent, err := s.entityCondition(b.Subject(), n, "")
	if err != nil {
		return "", err
	}

	var expr string
	switch v := b.(type) {
	case filter.PerformedEvent:
		window, err := s.interval(v.Window, fmt.Sprintf("time_value_%d", n))
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("countIf(timestamp > now() - %s AND %s) > 0", window, ent)

	case filter.PerformedEventMultiple:
		window, err := s.interval(v.Window, fmt.Sprintf("time_value_%d", n))
		if err != nil {
			return "", err
		}
		op, err := countOperator(v.Operator)
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf("countIf(timestamp > now() - %s AND %s) %s %s",
			window, ent, op, s.bind(fmt.Sprintf("operator_value_%d", n), v.OperatorValue))

	case filter.PerformedEventFirstTime:
		window, err := s.interval(v.Window, fmt.Sprintf("time_value_%d", n))
		if err != nil {
			return "", err
		}
		s.restrictWindow = false
		expr = fmt.Sprintf("minIf(timestamp, %s) >= now() - %s", ent, window)

	case filter.StoppedPerformingEvent:
		window, err := s.interval(v.Window, fmt.Sprintf("time_value_%d", n))
		if err != nil {
			return "", err
		}
		seqWindow, err := s.interval(v.SeqWindow, fmt.Sprintf("seq_time_value_%d", n))
		if err != nil {
			return "", err
		}
		expr = fmt.Sprintf(
			"countIf(timestamp > now() - %s AND timestamp <= now() - %s AND %s) > 0 AND countIf(timestamp > now() - %s AND timestamp <= now() AND %s) = 0",
			window, seqWindow, ent, seqWindow, ent)

	case filter.RestartedPerformingEvent:
		window, err := s.interval(v.Window, fmt.Sprintf("time_value_%d", n))
		if err != nil {
			return "", err
		}
		seqWindow, err := s.interval(v.SeqWindow, fmt.Sprintf("seq_time_value_%d", n))
		if err != nil {
			return "", err
		}
		s.restrictWindow = false
		expr = fmt.Sprintf(
			"countIf(timestamp <= now() - %s AND %s) > 0 AND countIf(timestamp > now() - %s AND timestamp <= now() - %s AND %s) = 0 AND countIf(timestamp > now() - %s AND timestamp <= now() AND %s) > 0",
			window, ent, window, seqWindow, ent, seqWindow, ent)

	case filter.PerformedEventRegularly:
		if v.TotalPeriods <= 0 || v.TotalPeriods > filter.MaxPeriods || v.MinPeriods <= 0 || v.MinPeriods > v.TotalPeriods {
			return "", invariant("regularly periods %d of %d", v.MinPeriods, v.TotalPeriods)
		}
		if !v.Window.Interval.Valid() || v.Window.Value <= 0 {
			return "", invariant("invalid window %d %q", v.Window.Value, v.Window.Interval)
		}
		op, err := countOperator(v.Operator)
		if err != nil {
			return "", err
		}
		timeValue := s.bind(fmt.Sprintf("time_value_%d", n), v.Window.Value)
		operatorValue := s.bind(fmt.Sprintf("operator_value_%d", n), v.OperatorValue)
		periods := make([]string, v.TotalPeriods)
		for i := range periods {
			periods[i] = fmt.Sprintf(
				"if(countIf(%s AND timestamp <= now() - INTERVAL %s * %d %s AND timestamp > now() - INTERVAL %s * %d %s) %s %s, 1, 0)",
				ent, timeValue, i, v.Window.Interval, timeValue, i+1, v.Window.Interval, op, operatorValue)
		}
		expr = fmt.Sprintf("(%s) >= %s", strings.Join(periods, " + "),
			s.bind(fmt.Sprintf("min_periods_%d", n), v.MinPeriods))

	default:
		return "", invariant("unhandled behavior %T", b)
	}

	s.trackLookback(b.Lookback())
	s.behaviors = append(s.behaviors, behaviorColumn{alias: alias, expr: expr})
	return alias, nil
}

func countOperator(op filter.CountOperator) (string, error) {
	sql := op.SQL()
	if sql == "" {
		return "", invariant("count operator %q", op)
	}
	return sql, nil
}

// sequence renders a performed_event_sequence condition.
//
// Each event row gets step_0/step_1 flags and latest_0/latest_1 timestamps.
// A window over the actor's events, newest first, carries forward the
// earliest later step-1 timestamp; the actor qualifies when some step-0
// event is followed by a step-1 event within the sequence window. When both
// steps are the same entity the window excludes the current row.
func (s *state) sequence(seq filter.PerformedEventSequence, n int, alias string) (sequenceColumns, error) {
	first, err := s.entityCondition(seq.Entity, n, "")
	if err != nil {
		return sequenceColumns{}, err
	}
	second, err := s.entityCondition(seq.SeqEntity, n, "seq_")
	if err != nil {
		return sequenceColumns{}, err
	}
	window, err := s.interval(seq.Window, fmt.Sprintf("time_value_%d", n))
	if err != nil {
		return sequenceColumns{}, err
	}
	seqWindow, err := s.interval(seq.SeqWindow, fmt.Sprintf("seq_time_value_%d", n))
	if err != nil {
		return sequenceColumns{}, err
	}

	prefix := fmt.Sprintf("seq_%d", n)
	preceding := 0
	if seq.Entity == seq.SeqEntity {
		preceding = 1
	}

	return sequenceColumns{
		step: []string{
			fmt.Sprintf("if(timestamp > now() - %s AND %s, 1, 0) AS %s_step_0", window, first, prefix),
			fmt.Sprintf("if(%s_step_0 = 1, timestamp, null) AS %s_latest_0", prefix, prefix),
			fmt.Sprintf("if(timestamp > now() - %s AND %s, 1, 0) AS %s_step_1", window, second, prefix),
			fmt.Sprintf("if(%s_step_1 = 1, timestamp, null) AS %s_latest_1", prefix, prefix),
		},
		windowed: []string{
			prefix + "_step_0",
			prefix + "_latest_0",
			prefix + "_step_1",
			fmt.Sprintf("min(%s_latest_1) OVER (PARTITION BY actor_id ORDER BY timestamp DESC ROWS BETWEEN UNBOUNDED PRECEDING AND %d PRECEDING) AS %s_latest_1",
				prefix, preceding, prefix),
		},
		aggregate: behaviorColumn{
			alias: alias,
			expr: fmt.Sprintf("max(if(%s_latest_0 < %s_latest_1 AND %s_latest_1 <= %s_latest_0 + %s, 2, 1)) = 2",
				prefix, prefix, prefix, prefix, seqWindow),
		},
	}, nil
}

// trackLookback widens the shared earliest lookback to cover w. Windows in
// different units may not cover each other on every date, so both are kept.
func (s *state) trackLookback(w filter.Window) {
	for _, l := range s.lookbacks {
		if l.Covers(w) {
			return
		}
	}
	kept := s.lookbacks[:0]
	for _, l := range s.lookbacks {
		if !w.Covers(l) {
			kept = append(kept, l)
		}
	}
	s.lookbacks = append(kept, w)
}

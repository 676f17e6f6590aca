package filter

import "math"

// BehaviorKind names a behavioral sub-kind. It is the "value" of a
// behavioral property in the external JSON.
type BehaviorKind string

const (
	KindPerformedEvent           BehaviorKind = "performed_event"
	KindPerformedEventMultiple   BehaviorKind = "performed_event_multiple"
	KindPerformedEventFirstTime  BehaviorKind = "performed_event_first_time"
	KindStoppedPerformingEvent   BehaviorKind = "stopped_performing_event"
	KindRestartedPerformingEvent BehaviorKind = "restarted_performing_event"
	KindPerformedEventSequence   BehaviorKind = "performed_event_sequence"
	KindPerformedEventRegularly  BehaviorKind = "performed_event_regularly"
)

var knownKinds = map[BehaviorKind]bool{
	KindPerformedEvent:           true,
	KindPerformedEventMultiple:   true,
	KindPerformedEventFirstTime:  true,
	KindStoppedPerformingEvent:   true,
	KindRestartedPerformingEvent: true,
	KindPerformedEventSequence:   true,
	KindPerformedEventRegularly:  true,
}

// Valid reports whether k is a known sub-kind.
func (k BehaviorKind) Valid() bool {
	return knownKinds[k]
}

// IsComplex reports whether the kind needs the analytical query path.
// Every kind except performed_event and performed_event_multiple is complex.
func (k BehaviorKind) IsComplex() bool {
	switch k {
	case KindPerformedEventFirstTime, KindStoppedPerformingEvent, KindRestartedPerformingEvent,
		KindPerformedEventSequence, KindPerformedEventRegularly:
		return true
	}
	return false
}

// Interval is a time unit. The set is closed; values are safe to splice into
// SQL INTERVAL clauses.
type Interval string

const (
	Minute Interval = "minute"
	Hour   Interval = "hour"
	Day    Interval = "day"
	Week   Interval = "week"
	Month  Interval = "month"
	Year   Interval = "year"
)

// MaxWindowValue bounds time_value and seq_time_value.
const MaxWindowValue = 1_000_000

// MaxPeriods bounds min_periods and total_periods of a regularly condition.
const MaxPeriods = 1_000

// intervalSpan is a unit's length in minutes: the shortest and longest it
// can be on the calendar, and the nominal length used to order windows.
type intervalSpan struct {
	min, nominal, max int64
}

const minutesPerDay = 24 * 60

var intervalSpans = map[Interval]intervalSpan{
	Minute: {1, 1, 1},
	Hour:   {60, 60, 60},
	Day:    {minutesPerDay, minutesPerDay, minutesPerDay},
	Week:   {7 * minutesPerDay, 7 * minutesPerDay, 7 * minutesPerDay},
	Month:  {28 * minutesPerDay, 30 * minutesPerDay, 31 * minutesPerDay},
	Year:   {365 * minutesPerDay, 365 * minutesPerDay, 366 * minutesPerDay},
}

// Valid reports whether i is one of the known units.
func (i Interval) Valid() bool {
	_, ok := intervalSpans[i]
	return ok
}

// Window is a lookback of Value units of Interval ending now.
type Window struct {
	Value    int64
	Interval Interval
}

// Scale returns a window n times as long in the same unit.
func (w Window) Scale(n int64) Window {
	return Window{Value: w.Value * n, Interval: w.Interval}
}

// Longer reports whether w reaches further back than other, counting months
// as 30 days and years as 365 days.
func (w Window) Longer(other Window) bool {
	return w.minutes(intervalSpan.nominalOf) > other.minutes(intervalSpan.nominalOf)
}

// Covers reports whether w reaches at least as far back as other on every
// calendar date. Windows in the same unit compare by value; otherwise the
// shortest w can be must be no shorter than the longest other can be.
func (w Window) Covers(other Window) bool {
	if w.Interval == other.Interval {
		return w.Value >= other.Value
	}
	return w.minutes(intervalSpan.minOf) >= other.minutes(intervalSpan.maxOf)
}

// minutes is the window length under one of the span bounds. It saturates
// instead of overflowing.
func (w Window) minutes(bound func(intervalSpan) int64) int64 {
	unit := bound(intervalSpans[w.Interval])
	if unit == 0 || w.Value <= 0 {
		return 0
	}
	if w.Value > math.MaxInt64/unit {
		return math.MaxInt64
	}
	return w.Value * unit
}

func (s intervalSpan) minOf() int64     { return s.min }
func (s intervalSpan) nominalOf() int64 { return s.nominal }
func (s intervalSpan) maxOf() int64     { return s.max }

// EntityType says how a behavioral entity key is resolved.
type EntityType string

const (
	EntityEvents  EntityType = "events"
	EntityActions EntityType = "actions"
)

// Entity is the event name or action id a behavioral condition counts.
type Entity struct {
	Type EntityType
	// Key is the event name, or the decimal action id for actions.
	Key string
}

// ActionID returns the action id of an actions entity.
func (e Entity) ActionID() (int64, error) {
	return toInt64(e.Key)
}

// CountOperator compares an event count to a threshold.
type CountOperator string

const (
	CountEq  CountOperator = "eq"
	CountGte CountOperator = "gte"
	CountLte CountOperator = "lte"
	CountGt  CountOperator = "gt"
	CountLt  CountOperator = "lt"
)

var countOperatorSQL = map[CountOperator]string{
	CountEq:  "=",
	CountGte: ">=",
	CountLte: "<=",
	CountGt:  ">",
	CountLt:  "<",
}

// parseCountOperator maps external operator names; "exact" and "" mean eq.
func parseCountOperator(s string) (CountOperator, bool) {
	switch s {
	case "", "exact", "eq":
		return CountEq, true
	}
	op := CountOperator(s)
	_, ok := countOperatorSQL[op]
	return op, ok
}

// SQL returns the comparison symbol.
func (o CountOperator) SQL() string {
	return countOperatorSQL[o]
}

// Behavior is a behavioral sub-kind payload.
//
// This is a sealed interface - only types in this package implement it.
type Behavior interface {
	Kind() BehaviorKind
	// Lookback is the furthest window the condition reads.
	Lookback() Window
	// Subject is the primary entity counted.
	Subject() Entity

	behavior()
}

// PerformedEvent: at least one matching event in the window.
type PerformedEvent struct {
	Entity Entity
	Window Window
}

func (PerformedEvent) behavior() {}
func (PerformedEvent) Kind() BehaviorKind { return KindPerformedEvent }
func (b PerformedEvent) Lookback() Window { return b.Window }
func (b PerformedEvent) Subject() Entity { return b.Entity }

// PerformedEventMultiple: matching event count compared to OperatorValue.
type PerformedEventMultiple struct {
	Entity        Entity
	Window        Window
	Operator      CountOperator
	OperatorValue int64
}

func (PerformedEventMultiple) behavior() {}
func (PerformedEventMultiple) Kind() BehaviorKind { return KindPerformedEventMultiple }
func (b PerformedEventMultiple) Lookback() Window { return b.Window }
func (b PerformedEventMultiple) Subject() Entity { return b.Entity }

// PerformedEventFirstTime: the earliest matching event falls in the window.
type PerformedEventFirstTime struct {
	Entity Entity
	Window Window
}

func (PerformedEventFirstTime) behavior() {}
func (PerformedEventFirstTime) Kind() BehaviorKind { return KindPerformedEventFirstTime }
func (b PerformedEventFirstTime) Lookback() Window { return b.Window }
func (b PerformedEventFirstTime) Subject() Entity { return b.Entity }

// StoppedPerformingEvent: performed within Window but not within the more
// recent SeqWindow.
type StoppedPerformingEvent struct {
	Entity    Entity
	Window    Window
	SeqWindow Window
}

func (StoppedPerformingEvent) behavior() {}
func (StoppedPerformingEvent) Kind() BehaviorKind { return KindStoppedPerformingEvent }
func (b StoppedPerformingEvent) Lookback() Window { return b.Window }
func (b StoppedPerformingEvent) Subject() Entity { return b.Entity }

// RestartedPerformingEvent: performed before Window, not between Window and
// SeqWindow, and again within SeqWindow.
type RestartedPerformingEvent struct {
	Entity    Entity
	Window    Window
	SeqWindow Window
}

func (RestartedPerformingEvent) behavior() {}
func (RestartedPerformingEvent) Kind() BehaviorKind { return KindRestartedPerformingEvent }
func (b RestartedPerformingEvent) Lookback() Window { return b.Window }
func (b RestartedPerformingEvent) Subject() Entity { return b.Entity }

// PerformedEventSequence: Entity then SeqEntity within SeqWindow, with the
// first step inside Window.
type PerformedEventSequence struct {
	Entity    Entity
	Window    Window
	SeqEntity Entity
	SeqWindow Window
}

func (PerformedEventSequence) behavior() {}
func (PerformedEventSequence) Kind() BehaviorKind { return KindPerformedEventSequence }
func (b PerformedEventSequence) Lookback() Window { return b.Window }
func (b PerformedEventSequence) Subject() Entity { return b.Entity }

// PerformedEventRegularly: in at least MinPeriods of TotalPeriods
// consecutive periods of length Window, the count satisfies
// Operator OperatorValue.
type PerformedEventRegularly struct {
	Entity        Entity
	Window        Window
	Operator      CountOperator
	OperatorValue int64
	MinPeriods    int64
	TotalPeriods  int64
}

func (PerformedEventRegularly) behavior() {}
func (PerformedEventRegularly) Kind() BehaviorKind { return KindPerformedEventRegularly }
func (b PerformedEventRegularly) Lookback() Window { return b.Window.Scale(b.TotalPeriods) }
func (b PerformedEventRegularly) Subject() Entity { return b.Entity }

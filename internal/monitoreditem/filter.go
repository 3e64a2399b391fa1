// Package monitoreditem implements the MonitoredItem Service (spec.md
// §4.F): sampling, data-change filtering with deadband, queueing with
// overflow policy, event filtering, and triggering.
package monitoreditem

import "github.com/adred-codev/opcua-server/internal/ua"

// DataChangeFilter decides whether a new sample constitutes a reportable
// change relative to the last reported value (spec.md §4.F).
type DataChangeFilter struct {
	Trigger      ua.DataChangeTrigger
	Deadband     ua.DeadbandType
	DeadbandValue float64

	// EURangeLow/EURangeHigh back a Percent deadband. If both are zero the
	// filter falls back to Absolute 0, per spec.md §4.F ("if absent, falls
	// back to Absolute 0").
	EURangeLow  float64
	EURangeHigh float64
}

// ShouldReport applies the filter to (last, sample) and reports whether the
// sample should be queued.
func (f DataChangeFilter) ShouldReport(last, sample ua.DataValue) bool {
	if !last.Equal(sample, f.Trigger) {
		if f.Trigger == ua.TriggerStatus {
			return true
		}
		return f.passesDeadband(last, sample)
	}
	return false
}

func (f DataChangeFilter) passesDeadband(last, sample ua.DataValue) bool {
	lf, lok := last.Value.(float64)
	sf, sok := sample.Value.(float64)
	if !lok || !sok {
		// Deadband only applies to numeric values; non-numeric changes
		// always report once Equal has already determined a change.
		return true
	}

	switch f.effectiveDeadband() {
	case ua.DeadbandAbsolute:
		return absFloat(sf-lf) > f.DeadbandValue
	case ua.DeadbandPercent:
		span := f.EURangeHigh - f.EURangeLow
		if span <= 0 {
			return absFloat(sf-lf) > 0
		}
		pct := absFloat(sf-lf) / span * 100
		return pct > f.DeadbandValue
	default:
		return true
	}
}

// effectiveDeadband resolves the "absent EURange falls back to Absolute 0"
// rule from spec.md §4.F.
func (f DataChangeFilter) effectiveDeadband() ua.DeadbandType {
	if f.Deadband == ua.DeadbandPercent && f.EURangeHigh == 0 && f.EURangeLow == 0 {
		return ua.DeadbandAbsolute
	}
	return f.Deadband
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// EventFieldValue is one projected field value from the select clause,
// queued alongside data-change samples (spec.md §4.F).
type EventFieldValue struct {
	Fields []interface{}
}

// EventFilter evaluates a where-clause operator tree over event fields and
// projects matching events through a select clause (spec.md §4.F).
type EventFilter struct {
	Where  WhereClause
	Select []SelectClause
}

// SelectClause names one event field to project into the output row.
type SelectClause struct {
	AttributeID uint32
	BrowsePath  []string
}

// WhereClause is a boolean operator tree over event fields. A nil WhereClause
// matches every event (no filtering).
type WhereClause interface {
	Evaluate(event map[string]interface{}) bool
}

// AndClause is true iff every child is true.
type AndClause []WhereClause

func (a AndClause) Evaluate(event map[string]interface{}) bool {
	for _, c := range a {
		if !c.Evaluate(event) {
			return false
		}
	}
	return true
}

// OrClause is true iff any child is true.
type OrClause []WhereClause

func (o OrClause) Evaluate(event map[string]interface{}) bool {
	for _, c := range o {
		if c.Evaluate(event) {
			return true
		}
	}
	return false
}

// EqualsClause is true iff event[Field] == Value.
type EqualsClause struct {
	Field string
	Value interface{}
}

func (e EqualsClause) Evaluate(event map[string]interface{}) bool {
	v, ok := event[e.Field]
	if !ok {
		return false
	}
	return v == e.Value
}

// Apply evaluates Where and, on a match, projects Select into a row.
// Non-matching events are dropped silently, per spec.md §4.F.
func (f EventFilter) Apply(event map[string]interface{}) (EventFieldValue, bool) {
	if f.Where != nil && !f.Where.Evaluate(event) {
		return EventFieldValue{}, false
	}
	row := make([]interface{}, len(f.Select))
	for i, sel := range f.Select {
		if len(sel.BrowsePath) > 0 {
			key := sel.BrowsePath[len(sel.BrowsePath)-1]
			row[i] = event[key]
		}
	}
	return EventFieldValue{Fields: row}, true
}

package rules

import (
	"github.com/songzhibin97/jobflow/types"
)

// Trigger event kinds with an event-specific gate.
const (
	EventStatusChange = "status_change"
	EventAssigned     = "assigned"
)

// Fields of a job snapshot consulted by triggers.
const (
	FieldStatus     = "status"
	FieldAssignedTo = "assigned_to"
	FieldPriority   = "priority"
	FieldValue      = "value"
)

// KnownEvent reports whether the trigger's event kind has an event-specific
// gate. Triggers with other kinds are decided by their conditions alone.
func KnownEvent(trigger types.Trigger) bool {
	switch trigger.Event {
	case EventStatusChange, EventAssigned:
		return true
	default:
		return false
	}
}

// Matches reports whether trigger applies to the change from oldEntity to
// newEntity. oldEntity may be nil. A condition expression that fails to
// evaluate counts as not matching.
func Matches(trigger types.Trigger, oldEntity, newEntity types.Record) bool {
	ok, _ := Evaluate(nil, trigger, oldEntity, newEntity)
	return ok
}

// Evaluate is Matches with expression support and error reporting. A nil
// evaluator uses a shared ExprEvaluator.
func Evaluate(evaluator Evaluator, trigger types.Trigger, oldEntity, newEntity types.Record) (bool, error) {
	switch trigger.Event {
	case EventStatusChange:
		if !fieldChanged(oldEntity, newEntity, FieldStatus) {
			return false, nil
		}
		if trigger.ToStatus != "" && newEntity.String(FieldStatus) != trigger.ToStatus {
			return false, nil
		}
		if trigger.FromStatus != "" && oldEntity.String(FieldStatus) != trigger.FromStatus {
			return false, nil
		}

	case EventAssigned:
		if !fieldChanged(oldEntity, newEntity, FieldAssignedTo) {
			return false, nil
		}
	}

	return matchConditions(evaluator, trigger.Conditions, oldEntity, newEntity)
}

// fieldChanged reports whether field differs between the snapshots. A field
// holding null is distinct from an absent one.
func fieldChanged(oldEntity, newEntity types.Record, field string) bool {
	if oldEntity.Has(field) != newEntity.Has(field) {
		return true
	}
	return !types.SameValue(oldEntity.Get(field), newEntity.Get(field))
}

func matchConditions(evaluator Evaluator, c *types.Conditions, oldEntity, newEntity types.Record) (bool, error) {
	if c == nil {
		return true, nil
	}
	if c.Priority != "" && newEntity.String(FieldPriority) != c.Priority {
		return false, nil
	}
	if c.MinValue != nil {
		value, ok := newEntity.Float(FieldValue)
		if !ok || value < *c.MinValue {
			return false, nil
		}
	}
	if c.Expression != "" {
		if evaluator == nil {
			evaluator = sharedEvaluator
		}
		return evaluator.Evaluate(c.Expression, oldEntity, newEntity)
	}
	return true, nil
}

var sharedEvaluator = NewExprEvaluator()

package types

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Record kinds understood by the record store.
const (
	KindJob             = "Job"
	KindTask            = "Task"
	KindCustomer        = "Customer"
	KindCommunication   = "Communication"
	KindActivity        = "Activity"
	KindWorkflowRule    = "WorkflowRule"
	KindApprovalRequest = "ApprovalRequest"
	KindAuditLog        = "AuditLog"
)

// Entity operation kinds carried by a ChangeEvent.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
)

// Record is a free-form snapshot of a stored entity.
// A nil Record stands for an absent entity; every lookup on it yields nil.
type Record map[string]interface{}

// Get returns the raw value of a field, or nil when the field is absent.
func (r Record) Get(field string) interface{} {
	if r == nil {
		return nil
	}
	return r[field]
}

// Has reports whether the field is present, even if its value is nil.
func (r Record) Has(field string) bool {
	if r == nil {
		return false
	}
	_, ok := r[field]
	return ok
}

// String returns a field as a string. Absent or nil fields yield "".
func (r Record) String(field string) string {
	switch v := r.Get(field).(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric field as float64. Numeric strings are parsed.
// ok is false when the field is absent or not numeric.
func (r Record) Float(field string) (float64, bool) {
	v := r.Get(field)
	if f, ok := Number(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// Number converts any Go numeric value to float64.
func Number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// SameValue compares two snapshot values. Numbers compare by value so that a
// JSON float64 matches an int written by Go code.
func SameValue(a, b interface{}) bool {
	fa, aNum := Number(a)
	fb, bNum := Number(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// ID returns the record's "id" field.
func (r Record) ID() string {
	return r.String("id")
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// EventMeta identifies the entity kind and operation of a change.
type EventMeta struct {
	EntityName string `json:"entity_name"`
	Type       string `json:"type"`
}

// ChangeEvent is one (previous, new) snapshot pair of a tracked entity.
// OldData is nil for create events.
type ChangeEvent struct {
	Event   EventMeta `json:"event"`
	Data    Record    `json:"data"`
	OldData Record    `json:"old_data,omitempty"`
}

// IsJobUpdate reports whether the event is an update of a Job.
func (e ChangeEvent) IsJobUpdate() bool {
	return e.Event.EntityName == KindJob && e.Event.Type == OperationUpdate
}

// Conditions are predicates layered on top of a trigger's event match.
type Conditions struct {
	Priority   string   `json:"priority,omitempty"`
	MinValue   *float64 `json:"min_value,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// Trigger decides whether a rule applies to a change.
type Trigger struct {
	Event      string      `json:"event" validate:"required"`
	FromStatus string      `json:"from_status,omitempty"`
	ToStatus   string      `json:"to_status,omitempty"`
	Conditions *Conditions `json:"conditions,omitempty"`
}

// WorkflowRule is an organization-scoped trigger plus an ordered action list.
type WorkflowRule struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id" validate:"required"`
	Name           string       `json:"name" validate:"required"`
	Description    string       `json:"description,omitempty"`
	Trigger        Trigger      `json:"trigger" validate:"required"`
	Actions        []ActionSpec `json:"actions" validate:"dive"`
	IsActive       bool         `json:"is_active"`
	ExecutionCount int64        `json:"execution_count"`
	LastExecutedAt *time.Time   `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Result is the engine's answer to one change event.
type Result struct {
	Success  bool     `json:"success"`
	Executed int      `json:"executed"`
	Rules    []string `json:"rules"`
	Skipped  bool     `json:"skipped,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ErrorResult is returned to the caller when the engine fails as a whole.
type ErrorResult struct {
	Error string `json:"error"`
}

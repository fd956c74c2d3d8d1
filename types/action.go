package types

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Action type names as stored in rule configuration.
const (
	ActionAssignTasks    = "assign_tasks"
	ActionSendEmail      = "send_email"
	ActionCreateFollowUp = "create_follow_up"
	ActionNotifyTeam     = "notify_team"
	ActionUpdateField    = "update_field"
)

// Recipient types for send_email.
const (
	RecipientCustomer     = "customer"
	RecipientAssignedUser = "assigned_user"
)

// DefaultFollowUpDays is used when create_follow_up omits days_after.
const DefaultFollowUpDays = 7

// ErrUnknownActionType is returned when an action spec names no known kind.
var ErrUnknownActionType = errors.New("unknown action type")

// ActionSpec is the stored form of an action: a kind and a free-form config.
type ActionSpec struct {
	Type   string                 `json:"type" validate:"required,oneof=assign_tasks send_email create_follow_up notify_team update_field"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Action is a decoded action. The set of implementations is closed:
// AssignTasks, SendEmail, CreateFollowUp, NotifyTeam and UpdateField.
type Action interface {
	Kind() string
	action()
}

// TaskTemplate describes one task created by assign_tasks.
type TaskTemplate struct {
	Title          string  `mapstructure:"title"`
	Description    string  `mapstructure:"description"`
	Priority       string  `mapstructure:"priority"`
	EstimatedHours float64 `mapstructure:"estimated_hours"`
}

// AssignTasks creates one task per template entry.
type AssignTasks struct {
	TaskTemplate []TaskTemplate `mapstructure:"task_template"`
	AssignTo     string         `mapstructure:"assign_to"`
}

// SendEmail mails the job's customer or assignee.
type SendEmail struct {
	RecipientType string `mapstructure:"recipient_type"`
	Subject       string `mapstructure:"subject"`
	Body          string `mapstructure:"body"`
}

// CreateFollowUp creates a draft job scheduled DaysAfter days ahead.
type CreateFollowUp struct {
	DaysAfter       int    `mapstructure:"days_after"`
	TitleTemplate   string `mapstructure:"title_template"`
	InheritCustomer bool   `mapstructure:"inherit_customer"`
}

// NotifyTeam logs one activity per member.
type NotifyTeam struct {
	Members []string `mapstructure:"members"`
	Message string   `mapstructure:"message"`
}

// UpdateField overwrites one field of the triggering job.
// HasValue distinguishes an explicit null from an absent value.
type UpdateField struct {
	Field    string
	Value    interface{}
	HasValue bool
}

func (AssignTasks) Kind() string    { return ActionAssignTasks }
func (SendEmail) Kind() string      { return ActionSendEmail }
func (CreateFollowUp) Kind() string { return ActionCreateFollowUp }
func (NotifyTeam) Kind() string     { return ActionNotifyTeam }
func (UpdateField) Kind() string    { return ActionUpdateField }

func (AssignTasks) action()    {}
func (SendEmail) action()      {}
func (CreateFollowUp) action() {}
func (NotifyTeam) action()     {}
func (UpdateField) action()    {}

// DecodeAction converts a stored spec into its typed action.
func DecodeAction(spec ActionSpec) (Action, error) {
	cfg := spec.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	switch spec.Type {
	case ActionAssignTasks:
		// A non-list template is treated as missing.
		if _, ok := cfg["task_template"].([]interface{}); !ok {
			if _, typed := cfg["task_template"].([]map[string]interface{}); !typed {
				cfg = withoutKey(cfg, "task_template")
			}
		}
		return decodeAs[AssignTasks](spec.Type, cfg)

	case ActionSendEmail:
		return decodeAs[SendEmail](spec.Type, cfg)

	case ActionCreateFollowUp:
		var a CreateFollowUp
		if err := decodeConfig(spec.Type, cfg, &a); err != nil {
			return nil, err
		}
		if a.DaysAfter == 0 {
			a.DaysAfter = DefaultFollowUpDays
		}
		return a, nil

	case ActionNotifyTeam:
		return decodeAs[NotifyTeam](spec.Type, cfg)

	case ActionUpdateField:
		field, _ := cfg["field"].(string)
		value, has := cfg["value"]
		return UpdateField{Field: field, Value: value, HasValue: has}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, spec.Type)
	}
}

func decodeAs[T Action](kind string, cfg map[string]interface{}) (Action, error) {
	var a T
	if err := decodeConfig(kind, cfg, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeConfig(kind string, cfg map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid %s config: %w", kind, err)
	}
	return nil
}

func withoutKey(m map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

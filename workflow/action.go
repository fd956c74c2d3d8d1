package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/audit"
	"github.com/songzhibin97/jobflow/mail"
	"github.com/songzhibin97/jobflow/types"
)

// ErrUnknownRecipient is returned by send_email for an unsupported recipient_type.
var ErrUnknownRecipient = errors.New("unknown recipient type")

// Defaults for records created by actions.
const (
	TaskStatus            = "todo"
	FollowUpStatus        = "draft"
	FollowUpTitleTemplate = "Follow-up: {{original_job}}"
	JobNumberPrefix       = "JOB-"
	ActivityType          = "workflow_notification"
	DateLayout            = "2006-01-02"
)

// execute dispatches a decoded action. Every action kind must have a case.
func (e *Engine) execute(ctx context.Context, action types.Action, job types.Record) error {
	switch a := action.(type) {
	case types.AssignTasks:
		return e.assignTasks(ctx, a, job)
	case types.SendEmail:
		return e.sendEmail(ctx, a, job)
	case types.CreateFollowUp:
		return e.createFollowUp(ctx, a, job)
	case types.NotifyTeam:
		return e.notifyTeam(ctx, a, job)
	case types.UpdateField:
		return e.updateField(ctx, a, job)
	default:
		return fmt.Errorf("%w: %T", types.ErrUnknownActionType, action)
	}
}

func (e *Engine) assignTasks(ctx context.Context, a types.AssignTasks, job types.Record) error {
	assignee := a.AssignTo
	if assignee == "" {
		assignee = job.String("assigned_to")
	}

	for i, tmpl := range a.TaskTemplate {
		task := types.Record{
			"organization_id": job.Get("organization_id"),
			"workspace_id":    job.Get("workspace_id"),
			"job_id":          job.ID(),
			"title":           tmpl.Title,
			"description":     tmpl.Description,
			"priority":        tmpl.Priority,
			"estimated_hours": tmpl.EstimatedHours,
			"assigned_to":     assignee,
			"status":          TaskStatus,
		}
		if _, err := e.records.Create(ctx, types.KindTask, task); err != nil {
			return fmt.Errorf("create task %d: %w", i, err)
		}
	}
	return nil
}

func (e *Engine) sendEmail(ctx context.Context, a types.SendEmail, job types.Record) error {
	var customer types.Record
	var to string

	switch a.RecipientType {
	case types.RecipientCustomer:
		customerID := job.String("customer_id")
		if customerID == "" {
			e.logger.Debug("send_email skipped: job has no customer", zap.String("job_id", job.ID()))
			return nil
		}
		found, err := e.records.Filter(ctx, types.KindCustomer, types.Record{"id": customerID})
		if err != nil {
			return fmt.Errorf("load customer %s: %w", customerID, err)
		}
		if len(found) > 0 {
			customer = found[0]
		}
		to = customer.String("email")
	case types.RecipientAssignedUser:
		to = job.String("assigned_to")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRecipient, a.RecipientType)
	}

	if to == "" {
		e.logger.Debug("send_email skipped: no recipient address",
			zap.String("job_id", job.ID()),
			zap.String("recipient_type", a.RecipientType))
		return nil
	}

	values := jobPlaceholders(job, customer)
	email := mail.Email{
		To:      to,
		Subject: Render(a.Subject, values),
		Body:    Render(a.Body, values),
	}
	if err := e.mailer.Send(ctx, email); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	if a.RecipientType != types.RecipientCustomer {
		return nil
	}
	communication := types.Record{
		"organization_id": job.Get("organization_id"),
		"workspace_id":    job.Get("workspace_id"),
		"customer_id":     customer.ID(),
		"job_id":          job.ID(),
		"type":            "email",
		"direction":       "outbound",
		"subject":         email.Subject,
		"content":         email.Body,
		"status":          "sent",
	}
	if _, err := e.records.Create(ctx, types.KindCommunication, communication); err != nil {
		return fmt.Errorf("log communication: %w", err)
	}
	return nil
}

func (e *Engine) createFollowUp(ctx context.Context, a types.CreateFollowUp, job types.Record) error {
	id, err := e.generate.NextID()
	if err != nil {
		return fmt.Errorf("generate job number: %w", err)
	}

	days := a.DaysAfter
	if days <= 0 {
		days = types.DefaultFollowUpDays
	}
	titleTemplate := a.TitleTemplate
	if titleTemplate == "" {
		titleTemplate = FollowUpTitleTemplate
	}

	followUp := types.Record{
		"organization_id": job.Get("organization_id"),
		"workspace_id":    job.Get("workspace_id"),
		"title":           Render(titleTemplate, map[string]string{"original_job": job.String("title")}),
		"status":          FollowUpStatus,
		"priority":        job.Get("priority"),
		"job_number":      JobNumberPrefix + strconv.FormatUint(id, 10),
		"scheduled_date":  e.now().AddDate(0, 0, days).Format(DateLayout),
		"parent_job_id":   job.ID(),
	}
	if a.InheritCustomer {
		followUp["customer_id"] = job.Get("customer_id")
		followUp["customer_name"] = job.Get("customer_name")
	}

	if _, err := e.records.Create(ctx, types.KindJob, followUp); err != nil {
		return fmt.Errorf("create follow-up job: %w", err)
	}
	return nil
}

func (e *Engine) notifyTeam(ctx context.Context, a types.NotifyTeam, job types.Record) error {
	message := Render(a.Message, jobPlaceholders(job, nil))

	var errs []error
	for _, member := range a.Members {
		activity := types.Record{
			"organization_id": job.Get("organization_id"),
			"workspace_id":    job.Get("workspace_id"),
			"job_id":          job.ID(),
			"type":            ActivityType,
			"user_email":      member,
			"actor":           audit.SystemActor,
			"message":         message,
			"created_at":      e.now().UTC().Format(time.RFC3339),
		}
		if _, err := e.records.Create(ctx, types.KindActivity, activity); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", member, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) updateField(ctx context.Context, a types.UpdateField, job types.Record) error {
	if a.Field == "" || !a.HasValue {
		return nil
	}
	if _, err := e.records.Update(ctx, types.KindJob, job.ID(), types.Record{a.Field: a.Value}); err != nil {
		return fmt.Errorf("update job field %s: %w", a.Field, err)
	}
	return nil
}

// jobPlaceholders returns the values available to e-mail and notification
// templates. customer may be nil.
func jobPlaceholders(job, customer types.Record) map[string]string {
	customerName := customer.String("name")
	if customerName == "" {
		customerName = job.String("customer_name")
	}
	return map[string]string{
		"job_title":     job.String("title"),
		"job_status":    job.String("status"),
		"job_number":    job.String("job_number"),
		"customer_name": customerName,
	}
}

package types

import "time"

// Approval request states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// Approval types.
const (
	ApprovalTypeAny = "any"
	ApprovalTypeAll = "all"
)

// ApprovalDecision is one approver's verdict.
type ApprovalDecision struct {
	Approver  string    `json:"approver"`
	Decision  string    `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ApprovalRequest gates a resource change on one or more approvers.
type ApprovalRequest struct {
	ID             string             `json:"id"`
	OrganizationID string             `json:"organization_id" validate:"required"`
	ResourceType   string             `json:"resource_type" validate:"required"`
	ResourceID     string             `json:"resource_id" validate:"required"`
	ResourceName   string             `json:"resource_name,omitempty"`
	RequestedBy    string             `json:"requested_by,omitempty"`
	Approvers      []string           `json:"approvers" validate:"required,min=1,dive,required"`
	ApprovalType   string             `json:"approval_type" validate:"omitempty,oneof=any all"`
	Status         string             `json:"status"`
	Decisions      []ApprovalDecision `json:"decisions,omitempty"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// AuditEntry is one record written to the audit sink.
type AuditEntry struct {
	OrganizationID string                 `json:"organization_id"`
	ActorEmail     string                 `json:"actor_email"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	ResourceName   string                 `json:"resource_name"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

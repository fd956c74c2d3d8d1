// Package approval implements the approval request state machine.
//
// A request starts pending and ends approved, rejected or expired. Expiry is
// checked lazily when a decision arrives. With approval type "any" the first
// decision settles the request; with "all" a single rejection rejects it and
// it is approved once every approver has approved.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/jobflow/types"
)

var (
	ErrNotPending      = errors.New("approval request is not pending")
	ErrNotApprover     = errors.New("not an approver of this request")
	ErrExpired         = errors.New("approval request has expired")
	ErrAlreadyDecided  = errors.New("approver has already decided")
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
	ErrNotFound        = errors.New("approval request not found")
)

// Decide applies d to req and returns the updated request. d.DecidedAt is
// the current time. When the request has expired the returned request is
// marked expired and the error is ErrExpired; callers should persist it.
func Decide(req types.ApprovalRequest, d types.ApprovalDecision) (types.ApprovalRequest, error) {
	if d.Decision != types.ApprovalApproved && d.Decision != types.ApprovalRejected {
		return req, fmt.Errorf("%w: %q", ErrInvalidDecision, d.Decision)
	}
	if req.Status != types.ApprovalPending {
		return req, fmt.Errorf("%w: status is %s", ErrNotPending, req.Status)
	}

	now := d.DecidedAt
	if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
		req.Status = types.ApprovalExpired
		req.UpdatedAt = now
		return req, ErrExpired
	}

	if !contains(req.Approvers, d.Approver) {
		return req, fmt.Errorf("%w: %s", ErrNotApprover, d.Approver)
	}
	for _, prev := range req.Decisions {
		if prev.Approver == d.Approver {
			return req, fmt.Errorf("%w: %s", ErrAlreadyDecided, d.Approver)
		}
	}

	req.Decisions = append(append([]types.ApprovalDecision(nil), req.Decisions...), d)
	req.UpdatedAt = now

	switch {
	case req.ApprovalType != types.ApprovalTypeAll:
		req.Status = d.Decision
	case d.Decision == types.ApprovalRejected:
		req.Status = types.ApprovalRejected
	case allApproved(req):
		req.Status = types.ApprovalApproved
	}
	return req, nil
}

// Expired reports whether req is pending past its deadline at now.
func Expired(req types.ApprovalRequest, now time.Time) bool {
	return req.Status == types.ApprovalPending && req.ExpiresAt != nil && now.After(*req.ExpiresAt)
}

// Awaits reports whether approver still has to decide on req.
func Awaits(req types.ApprovalRequest, approver string, now time.Time) bool {
	if req.Status != types.ApprovalPending || Expired(req, now) || !contains(req.Approvers, approver) {
		return false
	}
	for _, d := range req.Decisions {
		if d.Approver == approver {
			return false
		}
	}
	return true
}

func allApproved(req types.ApprovalRequest) bool {
	approved := make(map[string]bool, len(req.Decisions))
	for _, d := range req.Decisions {
		if d.Decision == types.ApprovalApproved {
			approved[d.Approver] = true
		}
	}
	for _, a := range req.Approvers {
		if !approved[a] {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

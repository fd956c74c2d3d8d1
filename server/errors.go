package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/songzhibin97/jobflow/approval"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
)

const problemMediaType = "application/problem+json"

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p, problemMediaType)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p, problemMediaType)
}

// handleError maps storage and approval errors to problem documents.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, storage.ErrRuleNotFound),
		errors.Is(err, storage.ErrRecordNotFound),
		errors.Is(err, approval.ErrNotFound):
		return notFound(c, err.Error())
	case errors.Is(err, storage.ErrInvalidRule),
		errors.Is(err, storage.ErrInvalidRecord),
		errors.Is(err, approval.ErrInvalidDecision),
		errors.Is(err, types.ErrUnknownActionType):
		return badRequest(c, err.Error())
	case errors.Is(err, approval.ErrNotApprover):
		return problem(c, fiber.StatusForbidden, "not_approver", err.Error())
	case errors.Is(err, approval.ErrExpired):
		return problem(c, fiber.StatusConflict, "expired", err.Error())
	case errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrAlreadyDecided):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	default:
		return internalError(c, err)
	}
}

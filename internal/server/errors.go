package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tasknerd/internal/claims"
	"tasknerd/internal/registry"
	"tasknerd/internal/task"
)

// Wire error codes. Clients switch on Code, not on the message text.
const (
	CodeTaskAlreadyClaimed = "TASK_ALREADY_CLAIMED"
	CodeClaimNotFound      = "CLAIM_NOT_FOUND"
	CodeNotClaimOwner      = "NOT_CLAIM_OWNER"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeValidation         = "VALIDATION_ERROR"
	CodeDBUnavailable      = "COORDINATION_DB_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// apiError is the JSON error envelope every failing endpoint returns.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps component errors to HTTP status + wire code.
func writeError(c *gin.Context, err error) {
	var notFound *task.NotFoundError
	var validation *task.ValidationError
	var cycle *task.CycleError

	switch {
	case errors.Is(err, claims.ErrTaskAlreadyClaimed):
		c.JSON(http.StatusConflict, apiError{Code: CodeTaskAlreadyClaimed, Message: err.Error()})
	case errors.Is(err, claims.ErrClaimNotFound):
		c.JSON(http.StatusNotFound, apiError{Code: CodeClaimNotFound, Message: err.Error()})
	case errors.Is(err, claims.ErrNotClaimOwner):
		c.JSON(http.StatusForbidden, apiError{Code: CodeNotClaimOwner, Message: err.Error()})
	case errors.Is(err, claims.ErrDBUnavailable):
		c.JSON(http.StatusServiceUnavailable, apiError{Code: CodeDBUnavailable, Message: err.Error()})
	case errors.Is(err, registry.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, apiError{Code: CodeSessionNotFound, Message: err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, apiError{Code: CodeTaskNotFound, Message: err.Error()})
	case errors.As(err, &validation), errors.As(err, &cycle):
		c.JSON(http.StatusBadRequest, apiError{Code: CodeValidation, Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, apiError{Code: CodeInternal, Message: err.Error()})
	}
}

// badRequest reports a malformed request body or missing parameter.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, apiError{Code: CodeValidation, Message: msg})
}

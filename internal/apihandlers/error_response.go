package apihandlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"vigil/internal/models"
	"vigil/internal/store"
)

// retryAfterSeconds is sent with every 503 caused by the job queue.
const retryAfterSeconds = 5

// APIError is the body of every non-2xx response:
// {"error": {"code": "not_found", "message": "analysis not found"}}
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

// QueueUnavailable answers 503 with a Retry-After hint.
func QueueUnavailable(ctx *gin.Context, msg string) {
	ctx.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	JSONError(ctx, http.StatusServiceUnavailable, "service_unavailable", msg)
}

// writeError maps service errors onto HTTP statuses. Unexpected errors are
// logged and reported without detail.
func writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		BadRequest(c, err.Error())
	case errors.Is(err, store.ErrNotFound):
		JSONError(c, http.StatusNotFound, "not_found", "analysis not found")
	case errors.Is(err, store.ErrConflict):
		JSONError(c, http.StatusConflict, "conflict", err.Error())
	case store.IsRetryable(err):
		QueueUnavailable(c, err.Error())
	default:
		log.WithError(err).WithField("op", op).Error("Request failed")
		JSONError(c, http.StatusInternalServerError, "internal_error", fmt.Sprintf("%s: internal error", op))
	}
}

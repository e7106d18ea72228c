package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aym-n/pixl/internal/apperrors"
	"github.com/aym-n/pixl/internal/observability/logging"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

// statusFor maps an error kind onto the HTTP status returned to clients.
func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindState:
		return http.StatusConflict
	case apperrors.KindTransient:
		return http.StatusServiceUnavailable
	case apperrors.KindEncode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError responds with the status matching err's kind. Server side
// failures are logged with the request logger; the body never carries more
// than the error text.
func writeAppError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.LoggerFromContext(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"status", status,
			"error", err,
		)
	}
	_ = c.Error(err)
	kind := apperrors.KindOf(err)
	body := errorResponse{Error: err.Error()}
	if kind != apperrors.KindUnknown {
		body.Kind = kind.String()
	}
	if kind == apperrors.KindTransient {
		c.Header("Retry-After", "5")
	}
	c.AbortWithStatusJSON(status, body)
}

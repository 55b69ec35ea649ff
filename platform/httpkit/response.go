package httpkit

import (
	"errors"
	"net/http"

	"portal_intelligence/platform/apperr"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func JSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

func OK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func Error(c *gin.Context, status int, message string, details any) {
	c.JSON(status, ErrorResponse{Error: message, Details: details})
}

// HandleError writes err as a response and reports whether it did.
// Typed errors use their kind's status and client message; anything else is
// a 500 without the underlying text.
func HandleError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}

	var typed *apperr.Error
	if errors.As(err, &typed) {
		Error(c, typed.HTTPStatus(), typed.Message, typed.Details)
		return true
	}

	_ = c.Error(err)
	Error(c, http.StatusInternalServerError, "internal error", nil)
	return true
}

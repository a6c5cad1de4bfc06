package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/peyk/internal/auth"
	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/pkg/i18n"
)

func __(message string) string {
	return i18n.Translate(message)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a translated JSON error. Internal errors are
// recorded on the context for the server error logger and never shown.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	message := models.PublicMessage(err)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		message = auth.ErrInvalidCredentials.Error()
	case status == http.StatusInternalServerError:
		c.Error(err)
	}
	c.JSON(status, gin.H{"error": __(message)})
}

func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return "", false
	}
	return userID, true
}

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"loyalty-backend/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// respondError maps service errors onto HTTP statuses. Anything that is not
// a business outcome is logged and reported as a 500.
func respondError(c *gin.Context, err error, fallback string) {
	var insufficient *services.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "Insufficient points",
			"balance":   insufficient.Balance,
			"requested": insufficient.Requested,
		})
	case errors.Is(err, services.ErrChallengeNotFound),
		errors.Is(err, services.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadyCheckedIn),
		errors.Is(err, services.ErrAlreadyClaimed),
		errors.Is(err, services.ErrChallengeCodeTaken),
		errors.Is(err, services.ErrDuplicateSource):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrChallengeInactive):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotCompleted),
		errors.Is(err, services.ErrNotReversible),
		errors.Is(err, services.ErrRedemptionRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case services.IsDomainError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error(fallback,
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// currentCustomer reads the customer id set by AuthMiddleware.
func currentCustomer(c *gin.Context) (uuid.UUID, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uuid.Nil, false
	}
	id, ok := userID.(uuid.UUID)
	if !ok || id == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return uuid.Nil, false
	}
	return id, true
}

func parseID(c *gin.Context, param, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + label})
		return uuid.Nil, false
	}
	return id, true
}

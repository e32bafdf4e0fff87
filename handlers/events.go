package handlers

import (
	"log/slog"
	"net/http"

	"loyalty-backend/services"

	"github.com/gin-gonic/gin"
)

// EventHandler receives at-least-once deliveries from the order, review
// and referral systems. Redeliveries answer 200 with duplicate set.
type EventHandler struct {
	Loyalty *services.Loyalty
}

func (h *EventHandler) OrderCompleted(c *gin.Context) {
	var ev services.OrderCompleted
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event payload"})
		return
	}
	if ev.CompletedAt.IsZero() {
		ev.CompletedAt = h.Loyalty.Ledger.Now()
	}

	out, err := h.Loyalty.Events.OrderCompleted(c.Request.Context(), ev)
	h.respond(c, "OrderCompleted", err, out)
}

func (h *EventHandler) ReviewPosted(c *gin.Context) {
	var ev services.ReviewPosted
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event payload"})
		return
	}
	if ev.PostedAt.IsZero() {
		ev.PostedAt = h.Loyalty.Ledger.Now()
	}

	out, err := h.Loyalty.Events.ReviewPosted(c.Request.Context(), ev)
	h.respond(c, "ReviewPosted", err, out)
}

func (h *EventHandler) ReferralConverted(c *gin.Context) {
	var ev services.ReferralConverted
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event payload"})
		return
	}
	if ev.ConvertedAt.IsZero() {
		ev.ConvertedAt = h.Loyalty.Ledger.Now()
	}

	out, err := h.Loyalty.Events.ReferralConverted(c.Request.Context(), ev)
	h.respond(c, "ReferralConverted", err, out)
}

func (h *EventHandler) respond(c *gin.Context, kind string, err error, out *services.EventOutcome) {
	if err != nil {
		respondError(c, err, "Failed to process event")
		return
	}
	service, _ := c.Get("service_name")
	slog.Info("event processed",
		slog.String("kind", kind),
		slog.Any("source", service),
		slog.Bool("duplicate", out.Duplicate),
		slog.Int64("points_awarded", out.PointsAwarded))
	c.JSON(http.StatusOK, out)
}

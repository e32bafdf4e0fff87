package handlers

import (
	"net/http"

	"loyalty-backend/dtos"
	"loyalty-backend/services"
	"loyalty-backend/utils"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type PointsHandler struct {
	Loyalty *services.Loyalty
}

func (h *PointsHandler) GetWallet(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}

	wallet, err := h.Loyalty.Ledger.Wallet(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err, "Failed to fetch wallet")
		return
	}
	c.JSON(http.StatusOK, wallet)
}

func (h *PointsHandler) GetTransactions(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}

	page, limit := utils.ParsePagination(c.Query("page"), c.Query("limit"))
	transactions, total, err := h.Loyalty.Ledger.History(c.Request.Context(), customerID, page, limit)
	if err != nil {
		respondError(c, err, "Failed to fetch points history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"total":        total,
		"page":         page,
		"limit":        limit,
	})
}

func (h *PointsHandler) CheckIn(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}

	result, err := h.Loyalty.Streaks.CheckIn(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err, "Failed to check in")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *PointsHandler) GetCheckinStatus(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}

	status, err := h.Loyalty.Streaks.Status(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err, "Failed to fetch check-in status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// positiveOrderTotal rejects a missing or non-positive order total. Binding
// tags cannot inspect a decimal.
func positiveOrderTotal(c *gin.Context, total decimal.Decimal) bool {
	if !total.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_total must be positive"})
		return false
	}
	return true
}

func (h *PointsHandler) PreviewRedemption(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}
	var req dtos.RedeemPreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	if !positiveOrderTotal(c, req.OrderTotal) {
		return
	}

	preview, err := h.Loyalty.Redemption.Preview(c.Request.Context(), customerID, req.OrderTotal, req.Points)
	if err != nil {
		respondError(c, err, "Failed to preview redemption")
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (h *PointsHandler) ConfirmRedemption(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}
	var req dtos.RedeemConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	if !positiveOrderTotal(c, req.OrderTotal) {
		return
	}

	conf, err := h.Loyalty.Redemption.Confirm(c.Request.Context(), customerID, req.OrderID, req.OrderTotal, req.Points)
	if err != nil {
		respondError(c, err, "Failed to confirm redemption")
		return
	}
	c.JSON(http.StatusOK, conf)
}

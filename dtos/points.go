package dtos

import "github.com/shopspring/decimal"

// RedeemPreviewRequest asks what a points request is worth on an order.
// Zero points returns the most the customer could use.
type RedeemPreviewRequest struct {
	OrderTotal decimal.Decimal `json:"order_total"`
	Points     int64           `json:"points" binding:"min=0"`
}

type RedeemConfirmRequest struct {
	OrderID    string          `json:"order_id" binding:"required,max=128"`
	OrderTotal decimal.Decimal `json:"order_total"`
	Points     int64           `json:"points" binding:"required,min=1"`
}

// AdjustRequest is a manual credit (positive amount) or debit (negative).
type AdjustRequest struct {
	CustomerID  string `json:"customer_id" binding:"required,uuid"`
	Amount      int64  `json:"amount" binding:"required"`
	Reference   string `json:"reference" binding:"required,max=128"`
	Description string `json:"description" binding:"max=255"`
}

type ReverseRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loyalty-backend/config"
	"loyalty-backend/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const ReasonBelowMinimum = "below minimum"

// RedemptionResult is the approved discount for one order.
type RedemptionResult struct {
	CanUse           bool   `json:"can_use"`
	PointsUsed       int64  `json:"points_used"`
	DiscountAmount   int64  `json:"discount_amount"`
	MaxPointsAllowed int64  `json:"max_points_allowed"`
	Reason           string `json:"reason,omitempty"`
}

// CalculateRedemption turns a points request into a discount. It never
// touches storage. Amounts are in currency minor units.
func CalculateRedemption(policy *config.PointsPolicy, orderTotal, requestedPoints, availableBalance int64) RedemptionResult {
	orderTotal = max(orderTotal, 0)
	requestedPoints = max(requestedPoints, 0)
	availableBalance = max(availableBalance, 0)

	maxByOrderCap := orderTotal * policy.MaxDiscountPercent / (100 * policy.ValuePerPoint)
	result := RedemptionResult{
		MaxPointsAllowed: min(availableBalance, maxByOrderCap),
	}

	pointsUsed := min(requestedPoints, availableBalance, maxByOrderCap)
	if pointsUsed < policy.MinRedeemPoints || pointsUsed == 0 {
		result.Reason = ReasonBelowMinimum
		return result
	}

	result.CanUse = true
	result.PointsUsed = pointsUsed
	result.DiscountAmount = pointsUsed * policy.ValuePerPoint
	return result
}

// ToMinorUnits converts an order amount to whole currency units, rounding
// down. Negative amounts become zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	if amount.IsNegative() {
		return 0
	}
	return amount.Floor().IntPart()
}

type Redemption struct {
	engine
	ledger *Ledger
}

func NewRedemption(ledger *Ledger) *Redemption {
	return &Redemption{engine: ledger.engine, ledger: ledger}
}

type RedemptionPreview struct {
	RedemptionResult
	Balance int64 `json:"balance"`
}

// Preview evaluates a request against the current balance without
// reserving anything.
func (r *Redemption) Preview(ctx context.Context, customerID uuid.UUID, orderTotal decimal.Decimal, requestedPoints int64) (*RedemptionPreview, error) {
	balance, err := r.ledger.Balance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return &RedemptionPreview{
		RedemptionResult: CalculateRedemption(r.policy, ToMinorUnits(orderTotal), requestedPoints, balance),
		Balance:          balance,
	}, nil
}

type RedemptionConfirmation struct {
	RedemptionResult
	Transaction *models.PointsTransaction `json:"transaction"`
	Balance     int64                     `json:"balance"`
}

// Confirm re-validates pointsUsed against the live balance and debits it
// for orderID. It fails closed: a balance that no longer covers the points
// gives InsufficientBalanceError, and a request the order cap or minimum no
// longer allows gives ErrRedemptionRejected. Confirming the same order
// twice returns the first debit.
func (r *Redemption) Confirm(ctx context.Context, customerID uuid.UUID, orderID string, orderTotal decimal.Decimal, pointsUsed int64) (*RedemptionConfirmation, error) {
	if orderID == "" {
		return nil, ErrMissingSourceRef
	}
	if pointsUsed <= 0 {
		return nil, ErrInvalidAmount
	}

	conf := &RedemptionConfirmation{}
	err := r.withCustomer(ctx, customerID, "confirm redemption", func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, customerID)
		if err != nil {
			return err
		}
		if existing, err := findSource(tx, customerID, models.SourceOrder, orderID, models.TransactionSpend); err != nil || existing != nil {
			if err != nil {
				return err
			}
			conf.Transaction = existing
			return ErrDuplicateSource
		}
		if acct.Balance < pointsUsed {
			return &InsufficientBalanceError{Balance: acct.Balance, Requested: pointsUsed}
		}

		result := CalculateRedemption(r.policy, ToMinorUnits(orderTotal), pointsUsed, acct.Balance)
		if !result.CanUse {
			return fmt.Errorf("%w: %s", ErrRedemptionRejected, result.Reason)
		}
		if result.PointsUsed != pointsUsed {
			return fmt.Errorf("%w: at most %d points allowed for this order", ErrRedemptionRejected, result.MaxPointsAllowed)
		}

		entry, err := r.ledger.debitTx(tx, customerID, pointsUsed, models.SourceOrder, orderID, "Redeemed on order "+orderID)
		if err != nil {
			return err
		}
		conf.RedemptionResult = result
		conf.Transaction = entry
		return nil
	})

	if errors.Is(err, ErrDuplicateSource) {
		amount := conf.Transaction.Amount
		conf.RedemptionResult = RedemptionResult{
			CanUse:         true,
			PointsUsed:     amount,
			DiscountAmount: amount * r.policy.ValuePerPoint,
		}
		slog.Debug("redemption already confirmed", slog.String("customer_id", customerID.String()), slog.String("order_id", orderID))
	} else if err != nil {
		return nil, err
	}

	balance, err := r.ledger.Balance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	conf.Balance = balance
	return conf, nil
}

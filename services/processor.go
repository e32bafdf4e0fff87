package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"loyalty-backend/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventProcessor applies inbound domain events: it awards earning points
// and advances challenge progress in one transaction per event.
type EventProcessor struct {
	engine
	ledger  *Ledger
	tracker *ChallengeTracker
}

func NewEventProcessor(ledger *Ledger, tracker *ChallengeTracker) *EventProcessor {
	return &EventProcessor{engine: ledger.engine, ledger: ledger, tracker: tracker}
}

type EventOutcome struct {
	Duplicate         bool                       `json:"duplicate"`
	PointsAwarded     int64                      `json:"points_awarded"`
	PointsCapped      int64                      `json:"points_capped,omitempty"`
	Transaction       *models.PointsTransaction  `json:"transaction,omitempty"`
	ChallengesUpdated []models.ChallengeProgress `json:"challenges_updated"`
}

// OrderPoints converts spend into points, rounding down.
func OrderPoints(total decimal.Decimal, spendPerPoint int64) int64 {
	if !total.IsPositive() || spendPerPoint <= 0 {
		return 0
	}
	return total.Div(decimal.NewFromInt(spendPerPoint)).Floor().IntPart()
}

func (p *EventProcessor) OrderCompleted(ctx context.Context, ev OrderCompleted) (*EventOutcome, error) {
	if ev.OrderID == "" {
		return nil, ErrMissingSourceRef
	}
	if ev.TotalAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	items := make([]ProgressLineItem, 0, len(ev.LineItems))
	for _, item := range ev.LineItems {
		items = append(items, ProgressLineItem{Category: item.Category, Amount: ToMinorUnits(item.Amount)})
	}

	return p.process(ctx, models.InboundOrderCompleted, ev.OrderID, ev.CustomerID, ev, func(tx *gorm.DB, out *EventOutcome) error {
		earned := OrderPoints(ev.TotalAmount, p.policy.EarnSpendPerPoint)
		if earned > 0 && p.policy.MaxOrderPointsPerDay > 0 {
			today, err := p.orderPointsToday(tx, ev.CustomerID)
			if err != nil {
				return err
			}
			allowed := max(p.policy.MaxOrderPointsPerDay-today, 0)
			if earned > allowed {
				out.PointsCapped = earned - allowed
				slog.Warn("daily order points cap reached",
					slog.String("customer_id", ev.CustomerID.String()),
					slog.String("order_id", ev.OrderID),
					slog.Int64("dropped", out.PointsCapped))
				earned = allowed
			}
		}
		if earned > 0 {
			if err := p.credit(tx, out, ev.CustomerID, earned, models.SourceOrder, ev.OrderID, "Order "+ev.OrderID); err != nil {
				return err
			}
		}

		return p.advance(tx, out, ProgressEvent{
			Kind:       ProgressOrder,
			CustomerID: ev.CustomerID,
			OccurredAt: ev.CompletedAt,
			OrderTotal: ToMinorUnits(ev.TotalAmount),
			LineItems:  items,
		})
	})
}

func (p *EventProcessor) ReviewPosted(ctx context.Context, ev ReviewPosted) (*EventOutcome, error) {
	if ev.TargetID == "" {
		return nil, ErrMissingSourceRef
	}
	return p.process(ctx, models.InboundReviewPosted, ev.TargetID, ev.CustomerID, ev, func(tx *gorm.DB, out *EventOutcome) error {
		if p.policy.ReviewPoints > 0 {
			if err := p.credit(tx, out, ev.CustomerID, p.policy.ReviewPoints, models.SourceReview, ev.TargetID, "Review posted"); err != nil {
				return err
			}
		}
		return p.advance(tx, out, ProgressEvent{Kind: ProgressReview, CustomerID: ev.CustomerID, OccurredAt: ev.PostedAt})
	})
}

// ReferralConverted rewards the referrer.
func (p *EventProcessor) ReferralConverted(ctx context.Context, ev ReferralConverted) (*EventOutcome, error) {
	if ev.RefereeID == "" {
		return nil, ErrMissingSourceRef
	}
	return p.process(ctx, models.InboundReferralConverted, ev.RefereeID, ev.ReferrerID, ev, func(tx *gorm.DB, out *EventOutcome) error {
		if p.policy.ReferralPoints > 0 {
			if err := p.credit(tx, out, ev.ReferrerID, p.policy.ReferralPoints, models.SourceReferral, ev.RefereeID, "Referral converted"); err != nil {
				return err
			}
		}
		return p.advance(tx, out, ProgressEvent{Kind: ProgressReferral, CustomerID: ev.ReferrerID, OccurredAt: ev.ConvertedAt})
	})
}

// process marks (kind, ref, customer) as seen and runs fn in the same
// transaction. A redelivered event is reported as a duplicate and changes
// nothing.
func (p *EventProcessor) process(ctx context.Context, kind models.InboundEventKind, ref string, customerID uuid.UUID, payload any, fn func(tx *gorm.DB, out *EventOutcome) error) (*EventOutcome, error) {
	if customerID == uuid.Nil {
		return nil, ErrMissingCustomer
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	out := &EventOutcome{ChallengesUpdated: []models.ChallengeProgress{}}
	err = p.withCustomer(ctx, customerID, "process "+string(kind), func(tx *gorm.DB) error {
		marker := models.ProcessedEvent{
			Kind:        kind,
			Ref:         ref,
			CustomerID:  customerID,
			Payload:     datatypes.JSON(body),
			ProcessedAt: p.now(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if res.Error != nil {
			return storageErr("mark event processed", res.Error)
		}
		if res.RowsAffected == 0 {
			out.Duplicate = true
			return nil
		}
		return fn(tx, out)
	})
	if err != nil {
		return nil, err
	}
	if out.Duplicate {
		slog.Debug("duplicate event ignored",
			slog.String("kind", string(kind)),
			slog.String("ref", ref),
			slog.String("customer_id", customerID.String()))
	}
	return out, nil
}

func (p *EventProcessor) credit(tx *gorm.DB, out *EventOutcome, customerID uuid.UUID, amount int64, sourceType models.SourceType, ref, description string) error {
	entry, err := p.ledger.creditTx(tx, customerID, amount, sourceType, ref, description)
	if errors.Is(err, ErrDuplicateSource) {
		out.Transaction = entry
		return nil
	}
	if err != nil {
		return err
	}
	out.Transaction = entry
	out.PointsAwarded = amount
	return nil
}

func (p *EventProcessor) advance(tx *gorm.DB, out *EventOutcome, ev ProgressEvent) error {
	changed, err := p.tracker.applyTx(tx, ev)
	if err != nil {
		return err
	}
	out.ChallengesUpdated = append(out.ChallengesUpdated, changed...)
	return nil
}

// orderPointsToday sums order points credited since the start of the local
// day.
func (p *EventProcessor) orderPointsToday(tx *gorm.DB, customerID uuid.UUID) (int64, error) {
	var sum int64
	start := p.policy.DayStart(p.now())
	err := tx.Model(&models.PointsTransaction{}).
		Where("customer_id = ? AND kind = ? AND source_type = ? AND created_at >= ?",
			customerID, models.TransactionEarn, models.SourceOrder, start).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, storageErr("sum order points today", err)
	}
	return sum, nil
}

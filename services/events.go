package services

import (
	"context"
	"encoding/json"
	"time"

	"loyalty-backend/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Inbound events published by the order, review and referral systems.
// Delivery is at least once.

type LineItem struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Quantity int             `json:"quantity"`
}

type OrderCompleted struct {
	CustomerID  uuid.UUID       `json:"customer_id"`
	OrderID     string          `json:"order_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	LineItems   []LineItem      `json:"line_items"`
	CompletedAt time.Time       `json:"completed_at"`
}

type ReviewPosted struct {
	CustomerID uuid.UUID `json:"customer_id"`
	TargetID   string    `json:"target_id"`
	PostedAt   time.Time `json:"posted_at"`
}

type ReferralConverted struct {
	ReferrerID  uuid.UUID `json:"referrer_id"`
	RefereeID   string    `json:"referee_id"`
	ConvertedAt time.Time `json:"converted_at"`
}

// Outbound notification payloads.

type PointsCredited struct {
	CustomerID    uuid.UUID         `json:"customer_id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Amount        int64             `json:"amount"`
	SourceType    models.SourceType `json:"source_type"`
	SourceRef     string            `json:"source_ref"`
	Balance       int64             `json:"balance"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

type PointsDebited struct {
	CustomerID    uuid.UUID         `json:"customer_id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Kind          string            `json:"kind"`
	Amount        int64             `json:"amount"`
	SourceType    models.SourceType `json:"source_type"`
	SourceRef     string            `json:"source_ref"`
	Balance       int64             `json:"balance"`
}

type ChallengeCompleted struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	ChallengeID uuid.UUID `json:"challenge_id"`
	Code        string    `json:"code"`
	CompletedAt time.Time `json:"completed_at"`
}

type RewardClaimed struct {
	CustomerID   uuid.UUID         `json:"customer_id"`
	ChallengeID  uuid.UUID         `json:"challenge_id"`
	RewardType   models.RewardType `json:"reward_type"`
	RewardPoints int64             `json:"reward_points,omitempty"`
	VoucherCode  string            `json:"voucher_code,omitempty"`
	BadgeCode    string            `json:"badge_code,omitempty"`
	ClaimedAt    time.Time         `json:"claimed_at"`
}

type PointsExpiringSoon struct {
	CustomerID uuid.UUID `json:"customer_id"`
	LotID      uuid.UUID `json:"lot_id"`
	Amount     int64     `json:"amount"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// emitTrigger writes an outbox row on tx. A repeated dedupeKey is ignored;
// the bool reports whether a row was written.
func emitTrigger(tx *gorm.DB, customerID uuid.UUID, event models.NotificationEvent, dedupeKey string, payload any, now time.Time) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	trigger := models.NotificationTrigger{
		CustomerID: customerID,
		Event:      event,
		DedupeKey:  dedupeKey,
		Payload:    datatypes.JSON(body),
		Status:     models.NotificationPending,
		CreatedAt:  now,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&trigger)
	if res.Error != nil {
		return false, storageErr("emit "+string(event), res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Notifications exposes the outbox to operators and to a delivery worker.
type Notifications struct {
	db *gorm.DB
}

func NewNotifications(db *gorm.DB) *Notifications {
	return &Notifications{db: db}
}

func (n *Notifications) List(ctx context.Context, status models.NotificationStatus, customerID *uuid.UUID, page, limit int) ([]models.NotificationTrigger, int64, error) {
	query := n.db.WithContext(ctx).Model(&models.NotificationTrigger{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if customerID != nil {
		query = query.Where("customer_id = ?", *customerID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageErr("count notifications", err)
	}

	var triggers []models.NotificationTrigger
	if err := query.Order("created_at ASC").Offset((page - 1) * limit).Limit(limit).Find(&triggers).Error; err != nil {
		return nil, 0, storageErr("list notifications", err)
	}
	return triggers, total, nil
}

// MarkDelivered flips a pending trigger to delivered. It returns false when
// the trigger does not exist or was already delivered.
func (n *Notifications) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	res := n.db.WithContext(ctx).Model(&models.NotificationTrigger{}).
		Where("id = ? AND status = ?", id, models.NotificationPending).
		Update("status", models.NotificationDelivered)
	if res.Error != nil {
		return false, storageErr("mark notification delivered", res.Error)
	}
	return res.RowsAffected > 0, nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TransactionKind string

const (
	TransactionEarn    TransactionKind = "EARN"
	TransactionSpend   TransactionKind = "SPEND"
	TransactionExpire  TransactionKind = "EXPIRE"
	TransactionReverse TransactionKind = "REVERSE"
)

type SourceType string

const (
	SourceOrder     SourceType = "ORDER"
	SourceCheckin   SourceType = "CHECKIN"
	SourceReview    SourceType = "REVIEW"
	SourceReferral  SourceType = "REFERRAL"
	SourceChallenge SourceType = "CHALLENGE"
	SourceBirthday  SourceType = "BIRTHDAY"
	SourceManual    SourceType = "MANUAL"
)

var validSourceTypes = map[SourceType]bool{
	SourceOrder:     true,
	SourceCheckin:   true,
	SourceReview:    true,
	SourceReferral:  true,
	SourceChallenge: true,
	SourceBirthday:  true,
	SourceManual:    true,
}

func (s SourceType) IsValid() bool {
	return validSourceTypes[s]
}

// PointsAccount is the cached aggregate of a customer's ledger. It is only
// written together with the transaction that changes it and can always be
// rebuilt by replaying points_transactions.
type PointsAccount struct {
	CustomerID   uuid.UUID `gorm:"type:uuid;primary_key" json:"customer_id"`
	Balance      int64     `gorm:"not null;default:0" json:"balance"`
	TotalEarned  int64     `gorm:"not null;default:0" json:"total_earned"`
	TotalSpent   int64     `gorm:"not null;default:0" json:"total_spent"`
	TotalExpired int64     `gorm:"not null;default:0" json:"total_expired"`
	LastSequence int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// ExpirySweptAt is the instant of the last completed expiry pass. Lots
	// due and written before it are settled.
	ExpirySweptAt *time.Time `json:"-"`
}

// PointsTransaction is one immutable ledger entry. Sequence orders entries
// within an account; replay walks them in that order.
//
// LotID is set on EXPIRE entries and names the EARN (or restoring REVERSE)
// entry whose points lapsed. ReversesID is set on REVERSE entries.
type PointsTransaction struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	CustomerID  uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_points_tx_source,priority:1;uniqueIndex:idx_points_tx_sequence,priority:1" json:"customer_id"`
	Sequence    int64           `gorm:"not null;uniqueIndex:idx_points_tx_sequence,priority:2" json:"sequence"`
	Kind        TransactionKind `gorm:"type:varchar(16);not null;uniqueIndex:idx_points_tx_source,priority:4" json:"kind"`
	Amount      int64           `gorm:"not null" json:"amount"`
	SourceType  SourceType      `gorm:"type:varchar(16);not null;uniqueIndex:idx_points_tx_source,priority:2" json:"source_type"`
	SourceRef   string          `gorm:"type:varchar(191);not null;uniqueIndex:idx_points_tx_source,priority:3" json:"source_ref"`
	LotID       *uuid.UUID      `gorm:"type:uuid;index" json:"lot_id,omitempty"`
	ReversesID  *uuid.UUID      `gorm:"type:uuid;index" json:"reverses_id,omitempty"`
	Description string          `json:"description"`
	ExpiresAt   *time.Time      `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (t *PointsTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Signed returns the effect of the entry on the balance. REVERSE entries
// depend on what they reverse and are resolved during replay.
func (t *PointsTransaction) Signed() int64 {
	switch t.Kind {
	case TransactionEarn:
		return t.Amount
	case TransactionSpend, TransactionExpire:
		return -t.Amount
	}
	return 0
}

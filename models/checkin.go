package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckinStreak is the per-customer check-in state. CurrentStreak is the
// position in the 7-day reward cycle; ConsecutiveDays is the unbroken run.
type CheckinStreak struct {
	CustomerID      uuid.UUID  `gorm:"type:uuid;primary_key" json:"customer_id"`
	CurrentStreak   int        `gorm:"not null;default:0" json:"current_streak"`
	ConsecutiveDays int        `gorm:"not null;default:0" json:"consecutive_days"`
	LongestStreak   int        `gorm:"not null;default:0" json:"longest_streak"`
	LastCheckinDate *time.Time `gorm:"type:date" json:"last_checkin_date,omitempty"`
	TotalCheckins   int        `gorm:"not null;default:0" json:"total_checkins"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type CheckinRecord struct {
	ID            uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	CustomerID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_checkin_customer_date,priority:1" json:"customer_id"`
	CheckinDate   time.Time  `gorm:"type:date;not null;uniqueIndex:idx_checkin_customer_date,priority:2" json:"checkin_date"`
	StreakDay     int        `gorm:"not null" json:"streak_day"`
	PointsAwarded int64      `gorm:"not null" json:"points_awarded"`
	TransactionID *uuid.UUID `gorm:"type:uuid" json:"transaction_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (r *CheckinRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

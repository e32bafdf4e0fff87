package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChallengeType string

const (
	ChallengeOrderCount      ChallengeType = "ORDER_COUNT"
	ChallengeOrderValue      ChallengeType = "ORDER_VALUE"
	ChallengeProductCategory ChallengeType = "PRODUCT_CATEGORY"
	ChallengeReviewCount     ChallengeType = "REVIEW_COUNT"
	ChallengeReferralCount   ChallengeType = "REFERRAL_COUNT"
	ChallengeCheckinStreak   ChallengeType = "CHECKIN_STREAK"
	ChallengeCombo           ChallengeType = "COMBO"
)

var validChallengeTypes = map[ChallengeType]bool{
	ChallengeOrderCount:      true,
	ChallengeOrderValue:      true,
	ChallengeProductCategory: true,
	ChallengeReviewCount:     true,
	ChallengeReferralCount:   true,
	ChallengeCheckinStreak:   true,
	ChallengeCombo:           true,
}

func (t ChallengeType) IsValid() bool {
	return validChallengeTypes[t]
}

// IsSnapshot reports whether progress is replaced by the latest observed
// value instead of accumulated.
func (t ChallengeType) IsSnapshot() bool {
	return t == ChallengeCheckinStreak
}

type RewardType string

const (
	RewardPoints  RewardType = "POINTS"
	RewardVoucher RewardType = "VOUCHER"
	RewardBadge   RewardType = "BADGE"
)

func (r RewardType) IsValid() bool {
	return r == RewardPoints || r == RewardVoucher || r == RewardBadge
}

// Challenge definitions are never hard-deleted; IsActive=false retires one
// while keeping its progress history.
type Challenge struct {
	ID                 uuid.UUID             `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	Code               string                `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Name               string                `gorm:"not null" json:"name"`
	Description        string                `json:"description"`
	Season             string                `gorm:"type:varchar(16);index:idx_challenge_season,priority:1" json:"season"`
	Year               int                   `gorm:"index:idx_challenge_season,priority:2" json:"year"`
	StartDate          time.Time             `gorm:"not null;index" json:"start_date"`
	EndDate            time.Time             `gorm:"not null;index" json:"end_date"`
	ChallengeType      ChallengeType         `gorm:"type:varchar(32);not null" json:"challenge_type"`
	ConditionKey       string                `json:"condition_key"`
	TargetValue        int64                 `gorm:"not null" json:"target_value"`
	RewardType         RewardType            `gorm:"type:varchar(16);not null" json:"reward_type"`
	RewardPoints       int64                 `gorm:"not null;default:0" json:"reward_points"`
	RewardVoucherCode  string                `json:"reward_voucher_code,omitempty"`
	RewardVoucherValue int64                 `gorm:"not null;default:0" json:"reward_voucher_value"`
	RewardBadgeCode    string                `json:"reward_badge_code,omitempty"`
	RewardDescription  string                `json:"reward_description"`
	IsGrandPrize       bool                  `gorm:"not null" json:"is_grand_prize"`
	IsActive           bool                  `gorm:"not null" json:"is_active"`
	DisplayOrder       int                   `gorm:"not null;default:0" json:"display_order"`
	Dependencies       []ChallengeDependency `gorm:"foreignKey:ChallengeID" json:"dependencies,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

func (c *Challenge) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// InWindow reports whether t falls in [StartDate, EndDate).
func (c *Challenge) InWindow(t time.Time) bool {
	return !t.Before(c.StartDate) && t.Before(c.EndDate)
}

var ErrInvalidChallenge = errors.New("invalid challenge")

// Validate checks a definition before it is stored. A COMBO's target is
// the number of its dependencies and must be set by the caller first.
func (c *Challenge) Validate() error {
	invalid := func(msg string) error { return fmt.Errorf("%w: %s", ErrInvalidChallenge, msg) }
	switch {
	case strings.TrimSpace(c.Code) == "":
		return invalid("code is required")
	case strings.TrimSpace(c.Name) == "":
		return invalid("name is required")
	case !c.ChallengeType.IsValid():
		return invalid("unknown challenge type " + string(c.ChallengeType))
	case !c.RewardType.IsValid():
		return invalid("unknown reward type " + string(c.RewardType))
	case !c.EndDate.After(c.StartDate):
		return invalid("end date must be after start date")
	case c.TargetValue <= 0:
		return invalid("target value must be positive")
	case c.RewardType == RewardPoints && c.RewardPoints <= 0:
		return invalid("points reward needs reward points")
	case c.RewardType == RewardVoucher && c.RewardVoucherCode == "":
		return invalid("voucher reward needs a voucher code")
	case c.RewardType == RewardBadge && c.RewardBadgeCode == "":
		return invalid("badge reward needs a badge code")
	}
	return nil
}

// ChallengeDependency links a COMBO challenge to one challenge it requires.
type ChallengeDependency struct {
	ID                  uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	ChallengeID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_challenge_dependency,priority:1" json:"challenge_id"`
	RequiredChallengeID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_challenge_dependency,priority:2" json:"required_challenge_id"`
	CreatedAt           time.Time `json:"created_at"`
}

func (d *ChallengeDependency) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

type ChallengeProgress struct {
	ID              uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	CustomerID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_progress_customer_challenge,priority:1" json:"customer_id"`
	ChallengeID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_progress_customer_challenge,priority:2" json:"challenge_id"`
	Challenge       *Challenge `gorm:"foreignKey:ChallengeID" json:"challenge,omitempty"`
	CurrentProgress int64      `gorm:"not null;default:0" json:"current_progress"`
	IsCompleted     bool       `gorm:"not null" json:"is_completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RewardClaimed   bool       `gorm:"not null" json:"reward_claimed"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (p *ChallengeProgress) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// VoucherGrant records a voucher handed out by a challenge. Generating and
// redeeming voucher codes belongs to the checkout system.
type VoucherGrant struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	CustomerID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_voucher_grant,priority:1" json:"customer_id"`
	ChallengeID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_voucher_grant,priority:2" json:"challenge_id"`
	Code        string    `json:"code"`
	Value       int64     `gorm:"not null;default:0" json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

func (g *VoucherGrant) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

type BadgeGrant struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	CustomerID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_badge_grant,priority:1" json:"customer_id"`
	ChallengeID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_badge_grant,priority:2" json:"challenge_id"`
	BadgeCode   string    `json:"badge_code"`
	CreatedAt   time.Time `json:"created_at"`
}

func (g *BadgeGrant) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

func (ChallengeProgress) TableName() string {
	return "challenge_progress"
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"loyalty-backend/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Claims turns completed challenges into rewards.
type Claims struct {
	engine
	ledger *Ledger
}

func NewClaims(ledger *Ledger) *Claims {
	return &Claims{engine: ledger.engine, ledger: ledger}
}

type ClaimResult struct {
	Progress    models.ChallengeProgress  `json:"progress"`
	RewardType  models.RewardType         `json:"reward_type"`
	Transaction *models.PointsTransaction `json:"transaction,omitempty"`
	Voucher     *models.VoucherGrant      `json:"voucher,omitempty"`
	Badge       *models.BadgeGrant        `json:"badge,omitempty"`
}

// Claim grants the reward of a completed challenge exactly once. The reward
// is written before the progress row is marked claimed, and every reward
// write is keyed so a retry after a partial failure cannot grant twice.
// Eligibility is checked against the stored definition, never the cache.
func (c *Claims) Claim(ctx context.Context, customerID, challengeID uuid.UUID) (*ClaimResult, error) {
	result := &ClaimResult{}
	err := c.withCustomer(ctx, customerID, "claim reward", func(tx *gorm.DB) error {
		// Account before progress, the order every other writer uses.
		if _, err := lockAccount(tx, customerID); err != nil {
			return err
		}

		var p models.ChallengeProgress
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("customer_id = ? AND challenge_id = ?", customerID, challengeID).
			First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotCompleted
		}
		if err != nil {
			return storageErr("load challenge progress", err)
		}
		if !p.IsCompleted {
			return ErrNotCompleted
		}
		if p.RewardClaimed {
			return ErrAlreadyClaimed
		}

		var ch models.Challenge
		if err := tx.First(&ch, "id = ?", challengeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChallengeNotFound
			}
			return storageErr("load challenge", err)
		}
		now := c.now()
		if !ch.IsActive || !now.Before(ch.EndDate.Add(c.policy.ClaimGrace())) {
			return ErrChallengeInactive
		}

		result.RewardType = ch.RewardType
		switch ch.RewardType {
		case models.RewardPoints:
			entry, err := c.ledger.creditTx(tx, customerID, ch.RewardPoints, models.SourceChallenge, ch.ID.String(), "Challenge reward: "+ch.Name)
			if err != nil && !errors.Is(err, ErrDuplicateSource) {
				return err
			}
			result.Transaction = entry

		case models.RewardVoucher:
			grant := models.VoucherGrant{CustomerID: customerID, ChallengeID: ch.ID, Code: ch.RewardVoucherCode, Value: ch.RewardVoucherValue, CreatedAt: now}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
				return storageErr("grant voucher", err)
			}
			result.Voucher = &grant

		case models.RewardBadge:
			grant := models.BadgeGrant{CustomerID: customerID, ChallengeID: ch.ID, BadgeCode: ch.RewardBadgeCode, CreatedAt: now}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
				return storageErr("grant badge", err)
			}
			result.Badge = &grant

		default:
			return fmt.Errorf("%w: unknown reward type %s", ErrInvalidChallenge, ch.RewardType)
		}

		p.RewardClaimed = true
		p.ClaimedAt = &now
		p.UpdatedAt = now
		if err := tx.Save(&p).Error; err != nil {
			return storageErr("mark reward claimed", err)
		}

		if _, err := emitTrigger(tx, customerID, models.EventRewardClaimed,
			fmt.Sprintf("reward-claimed:%s:%s", customerID, ch.ID), RewardClaimed{
				CustomerID:   customerID,
				ChallengeID:  ch.ID,
				RewardType:   ch.RewardType,
				RewardPoints: ch.RewardPoints,
				VoucherCode:  ch.RewardVoucherCode,
				BadgeCode:    ch.RewardBadgeCode,
				ClaimedAt:    now,
			}, now); err != nil {
			return err
		}

		result.Progress = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("challenge reward claimed",
		slog.String("customer_id", customerID.String()),
		slog.String("challenge_id", challengeID.String()),
		slog.String("reward_type", string(result.RewardType)))
	return result, nil
}

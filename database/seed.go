package database

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"loyalty-backend/models"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChallengeSeed is one challenge definition in a seed file. Combos name
// their dependencies by code.
type ChallengeSeed struct {
	Code               string    `toml:"code"`
	Name               string    `toml:"name"`
	Description        string    `toml:"description"`
	Season             string    `toml:"season"`
	Year               int       `toml:"year"`
	StartDate          time.Time `toml:"start_date"`
	EndDate            time.Time `toml:"end_date"`
	ChallengeType      string    `toml:"challenge_type"`
	ConditionKey       string    `toml:"condition_key"`
	TargetValue        int64     `toml:"target_value"`
	RewardType         string    `toml:"reward_type"`
	RewardPoints       int64     `toml:"reward_points"`
	RewardVoucherCode  string    `toml:"reward_voucher_code"`
	RewardVoucherValue int64     `toml:"reward_voucher_value"`
	RewardBadgeCode    string    `toml:"reward_badge_code"`
	RewardDescription  string    `toml:"reward_description"`
	IsGrandPrize       bool      `toml:"is_grand_prize"`
	DisplayOrder       int       `toml:"display_order"`
	DependsOn          []string  `toml:"depends_on"`
}

type seedFile struct {
	Challenges []ChallengeSeed `toml:"challenge"`
}

// LoadChallengeSeed parses a TOML file of [[challenge]] tables.
func LoadChallengeSeed(path string) ([]ChallengeSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read challenge seed: %w", err)
	}
	var f seedFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse challenge seed %s: %w", path, err)
	}
	return f.Challenges, nil
}

// SeedChallenges creates the definitions whose code does not exist yet.
// Existing challenges are left untouched so operator edits survive a
// restart. It returns the number of challenges created.
func SeedChallenges(db *gorm.DB, seeds []ChallengeSeed) (int, error) {
	created := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		newCombos := map[uuid.UUID]ChallengeSeed{}
		for _, s := range seeds {
			ch := models.Challenge{
				Code:               strings.TrimSpace(s.Code),
				Name:               s.Name,
				Description:        s.Description,
				Season:             strings.ToUpper(s.Season),
				Year:               s.Year,
				StartDate:          s.StartDate.UTC(),
				EndDate:            s.EndDate.UTC(),
				ChallengeType:      models.ChallengeType(strings.ToUpper(s.ChallengeType)),
				ConditionKey:       s.ConditionKey,
				TargetValue:        s.TargetValue,
				RewardType:         models.RewardType(strings.ToUpper(s.RewardType)),
				RewardPoints:       s.RewardPoints,
				RewardVoucherCode:  s.RewardVoucherCode,
				RewardVoucherValue: s.RewardVoucherValue,
				RewardBadgeCode:    s.RewardBadgeCode,
				RewardDescription:  s.RewardDescription,
				IsGrandPrize:       s.IsGrandPrize,
				IsActive:           true,
				DisplayOrder:       s.DisplayOrder,
			}
			if ch.ChallengeType == models.ChallengeCombo {
				if len(s.DependsOn) == 0 {
					return fmt.Errorf("seed challenge %q: %w: combo challenge needs dependencies", s.Code, models.ErrInvalidChallenge)
				}
				ch.TargetValue = int64(len(s.DependsOn))
			}
			if err := ch.Validate(); err != nil {
				return fmt.Errorf("seed challenge %q: %w", s.Code, err)
			}

			res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
				Omit("Dependencies").Create(&ch)
			if res.Error != nil {
				return fmt.Errorf("seed challenge %s: %w", ch.Code, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			created++
			if ch.ChallengeType == models.ChallengeCombo {
				newCombos[ch.ID] = s
			}
		}

		for comboID, s := range newCombos {
			for _, code := range s.DependsOn {
				var required models.Challenge
				if err := tx.Select("id").Where("code = ?", code).First(&required).Error; err != nil {
					return fmt.Errorf("combo %s: dependency %s: %w", s.Code, code, err)
				}
				dep := models.ChallengeDependency{ChallengeID: comboID, RequiredChallengeID: required.ID}
				if err := tx.Create(&dep).Error; err != nil {
					return fmt.Errorf("combo %s: %w", s.Code, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		slog.Info("challenges seeded", slog.Int("created", created))
	}
	return created, nil
}

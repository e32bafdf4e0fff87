package database

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loyalty-backend/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)

	tables := []string{
		`CREATE TABLE IF NOT EXISTS "challenges" (
			"id" TEXT PRIMARY KEY,
			"code" TEXT NOT NULL UNIQUE,
			"name" TEXT NOT NULL,
			"description" TEXT,
			"season" TEXT,
			"year" INTEGER,
			"start_date" DATETIME NOT NULL,
			"end_date" DATETIME NOT NULL,
			"challenge_type" TEXT NOT NULL,
			"condition_key" TEXT,
			"target_value" INTEGER NOT NULL,
			"reward_type" TEXT NOT NULL,
			"reward_points" INTEGER NOT NULL DEFAULT 0,
			"reward_voucher_code" TEXT,
			"reward_voucher_value" INTEGER NOT NULL DEFAULT 0,
			"reward_badge_code" TEXT,
			"reward_description" TEXT,
			"is_grand_prize" INTEGER NOT NULL DEFAULT 0,
			"is_active" INTEGER NOT NULL DEFAULT 0,
			"display_order" INTEGER NOT NULL DEFAULT 0,
			"created_at" DATETIME,
			"updated_at" DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS "challenge_dependencies" (
			"id" TEXT PRIMARY KEY,
			"challenge_id" TEXT NOT NULL,
			"required_challenge_id" TEXT NOT NULL,
			"created_at" DATETIME,
			CONSTRAINT fk_dependency_challenge FOREIGN KEY ("challenge_id") REFERENCES "challenges"("id")
		)`,
	}

	for _, sql := range tables {
		if err := db.Exec(sql).Error; err != nil {
			t.Fatal(err)
		}
	}
	return db
}

const seedTOML = `
[[challenge]]
code = "SPRING-ORDERS"
name = "Order five times this spring"
season = "spring"
year = 2026
start_date = 2026-03-01T00:00:00Z
end_date = 2026-06-01T00:00:00Z
challenge_type = "order_count"
target_value = 5
reward_type = "points"
reward_points = 200

[[challenge]]
code = "SPRING-REVIEWS"
name = "Write two reviews"
season = "spring"
year = 2026
start_date = 2026-03-01T00:00:00Z
end_date = 2026-06-01T00:00:00Z
challenge_type = "review_count"
target_value = 2
reward_type = "badge"
reward_badge_code = "CRITIC"

[[challenge]]
code = "SPRING-GRAND"
name = "Spring grand prize"
season = "spring"
year = 2026
start_date = 2026-03-01T00:00:00Z
end_date = 2026-06-01T00:00:00Z
challenge_type = "combo"
reward_type = "voucher"
reward_voucher_code = "SPRING50"
reward_voucher_value = 50000
is_grand_prize = true
depends_on = ["SPRING-ORDERS", "SPRING-REVIEWS"]
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "challenges.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadChallengeSeed(t *testing.T) {
	seeds, err := LoadChallengeSeed(writeSeed(t, seedTOML))
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 3 {
		t.Fatalf("expected 3 seeds, got %d", len(seeds))
	}
	if seeds[2].DependsOn[1] != "SPRING-REVIEWS" {
		t.Errorf("expected combo dependencies, got %v", seeds[2].DependsOn)
	}
}

func TestLoadChallengeSeedMissingFile(t *testing.T) {
	if _, err := LoadChallengeSeed(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestSeedChallengesCreatesCombo(t *testing.T) {
	db := setupTestDB(t)
	seeds, _ := LoadChallengeSeed(writeSeed(t, seedTOML))

	created, err := SeedChallenges(db, seeds)
	if err != nil {
		t.Fatal(err)
	}
	if created != 3 {
		t.Errorf("expected 3 challenges created, got %d", created)
	}

	var combo models.Challenge
	if err := db.Preload("Dependencies").Where("code = ?", "SPRING-GRAND").First(&combo).Error; err != nil {
		t.Fatal("combo not created")
	}
	if combo.TargetValue != 2 || len(combo.Dependencies) != 2 {
		t.Errorf("expected a combo over 2 challenges, got target %d deps %d", combo.TargetValue, len(combo.Dependencies))
	}
	if combo.Season != "SPRING" || combo.ChallengeType != models.ChallengeCombo || !combo.IsActive {
		t.Errorf("unexpected combo %+v", combo)
	}
}

func TestSeedChallengesAlreadyExists(t *testing.T) {
	db := setupTestDB(t)
	seeds, _ := LoadChallengeSeed(writeSeed(t, seedTOML))

	if _, err := SeedChallenges(db, seeds); err != nil {
		t.Fatal(err)
	}
	// Operator edits survive a reseed.
	db.Model(&models.Challenge{}).Where("code = ?", "SPRING-ORDERS").Update("target_value", 9)

	created, err := SeedChallenges(db, seeds)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Errorf("expected nothing created on reseed, got %d", created)
	}

	var ch models.Challenge
	db.Where("code = ?", "SPRING-ORDERS").First(&ch)
	if ch.TargetValue != 9 {
		t.Errorf("expected the edited target to be kept, got %d", ch.TargetValue)
	}

	var deps int64
	db.Model(&models.ChallengeDependency{}).Count(&deps)
	if deps != 2 {
		t.Errorf("expected 2 dependencies, got %d", deps)
	}
}

func TestSeedChallengesRejectsInvalid(t *testing.T) {
	db := setupTestDB(t)

	_, err := SeedChallenges(db, []ChallengeSeed{{Code: "BAD", Name: "bad", ChallengeType: "nope", RewardType: "points"}})
	if err == nil {
		t.Fatal("expected an error for an unknown challenge type")
	}

	var count int64
	db.Model(&models.Challenge{}).Count(&count)
	if count != 0 {
		t.Errorf("expected the seed to roll back, got %d challenges", count)
	}
}

func TestSeedChallengesValidatesDefinitions(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 3, 0)

	tests := []struct {
		name string
		seed ChallengeSeed
	}{
		{"zero target", ChallengeSeed{Code: "ZERO", Name: "zero", StartDate: start, EndDate: end,
			ChallengeType: "order_count", TargetValue: 0, RewardType: "points", RewardPoints: 100}},
		{"points reward without points", ChallengeSeed{Code: "NOPTS", Name: "no points", StartDate: start, EndDate: end,
			ChallengeType: "order_count", TargetValue: 3, RewardType: "points"}},
		{"end before start", ChallengeSeed{Code: "BACKWARDS", Name: "backwards", StartDate: end, EndDate: start,
			ChallengeType: "order_count", TargetValue: 3, RewardType: "points", RewardPoints: 100}},
		{"combo without dependencies", ChallengeSeed{Code: "EMPTY-COMBO", Name: "empty", StartDate: start, EndDate: end,
			ChallengeType: "combo", RewardType: "badge", RewardBadgeCode: "NONE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			_, err := SeedChallenges(db, []ChallengeSeed{tt.seed})
			if !errors.Is(err, models.ErrInvalidChallenge) {
				t.Fatalf("expected ErrInvalidChallenge, got %v", err)
			}
			var count int64
			db.Model(&models.Challenge{}).Count(&count)
			if count != 0 {
				t.Errorf("expected nothing stored, got %d challenges", count)
			}
		})
	}
}

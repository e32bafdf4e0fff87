package database

import (
	"fmt"
	"os"
	"time"

	"loyalty-backend/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect() (*gorm.DB, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=loyalty port=5432 sslmode=disable"
	}

	// TranslateError turns unique violations into gorm.ErrDuplicatedKey,
	// which the ledger relies on for idempotent writes.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

func Migrate(db *gorm.DB) error {
	// Ensure PostgreSQL has gen_random_uuid() available (pgcrypto extension).
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS pgcrypto;`).Error; err != nil {
		return fmt.Errorf("failed to enable pgcrypto extension: %w", err)
	}

	if err := db.AutoMigrate(
		&models.PointsAccount{},
		&models.PointsTransaction{},
		&models.CheckinStreak{},
		&models.CheckinRecord{},
		&models.Challenge{},
		&models.ChallengeDependency{},
		&models.ChallengeProgress{},
		&models.VoucherGrant{},
		&models.BadgeGrant{},
		&models.NotificationTrigger{},
		&models.ProcessedEvent{},
	); err != nil {
		return err
	}

	// AutoMigrate does not manage CHECK constraints. They back up the
	// service-level rules if a bad write ever slips through.
	return addCheckConstraints(db)
}

var checkConstraints = []struct {
	table, name, expr string
}{
	{"points_accounts", "chk_points_accounts_balance", "balance >= 0"},
	{"points_transactions", "chk_points_transactions_amount", "amount > 0"},
	{"challenge_progress", "chk_challenge_progress_value", "current_progress >= 0"},
	{"challenges", "chk_challenges_window", "end_date > start_date"},
}

func addCheckConstraints(db *gorm.DB) error {
	for _, c := range checkConstraints {
		if err := db.Exec(fmt.Sprintf(`
DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = '%s') THEN
    EXECUTE 'ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)';
  END IF;
END $$;`, c.name, c.table, c.name, c.expr)).Error; err != nil {
			return fmt.Errorf("failed to add constraint %s: %w", c.name, err)
		}
	}
	return nil
}

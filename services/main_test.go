package services

import (
	"os"
	"sync"
	"testing"
	"time"

	"loyalty-backend/config"
	"loyalty-backend/models"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDB *gorm.DB

// testNow is 10:00 local time on 2026-03-10 under the default policy.
var testNow = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	var err error
	testDB, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}
	// One connection keeps every goroutine on the same in-memory database.
	sqlDB, _ := testDB.DB()
	sqlDB.SetMaxOpenConns(1)

	if err := createSQLiteTables(testDB); err != nil {
		panic("failed to migrate test database: " + err.Error())
	}

	code := m.Run()
	os.Exit(code)
}

func createSQLiteTables(db *gorm.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS "points_accounts" (
			"customer_id" TEXT PRIMARY KEY, "balance" INTEGER NOT NULL DEFAULT 0,
			"total_earned" INTEGER NOT NULL DEFAULT 0, "total_spent" INTEGER NOT NULL DEFAULT 0,
			"total_expired" INTEGER NOT NULL DEFAULT 0, "last_sequence" INTEGER NOT NULL DEFAULT 0, "expiry_swept_at" DATETIME,
			"created_at" DATETIME, "updated_at" DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS "points_transactions" (
			"id" TEXT PRIMARY KEY, "customer_id" TEXT NOT NULL, "sequence" INTEGER NOT NULL,
			"kind" TEXT NOT NULL, "amount" INTEGER NOT NULL, "source_type" TEXT NOT NULL,
			"source_ref" TEXT NOT NULL, "lot_id" TEXT, "reverses_id" TEXT, "description" TEXT,
			"expires_at" DATETIME, "created_at" DATETIME,
			UNIQUE ("customer_id", "source_type", "source_ref", "kind"),
			UNIQUE ("customer_id", "sequence")
		)`,
		`CREATE TABLE IF NOT EXISTS "checkin_streaks" (
			"customer_id" TEXT PRIMARY KEY, "current_streak" INTEGER NOT NULL DEFAULT 0,
			"consecutive_days" INTEGER NOT NULL DEFAULT 0, "longest_streak" INTEGER NOT NULL DEFAULT 0,
			"last_checkin_date" DATETIME, "total_checkins" INTEGER NOT NULL DEFAULT 0,
			"created_at" DATETIME, "updated_at" DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS "checkin_records" (
			"id" TEXT PRIMARY KEY, "customer_id" TEXT NOT NULL, "checkin_date" DATETIME NOT NULL,
			"streak_day" INTEGER NOT NULL, "points_awarded" INTEGER NOT NULL, "transaction_id" TEXT,
			"created_at" DATETIME,
			UNIQUE ("customer_id", "checkin_date")
		)`,
		`CREATE TABLE IF NOT EXISTS "challenges" (
			"id" TEXT PRIMARY KEY, "code" TEXT NOT NULL UNIQUE, "name" TEXT NOT NULL, "description" TEXT,
			"season" TEXT, "year" INTEGER, "start_date" DATETIME NOT NULL, "end_date" DATETIME NOT NULL,
			"challenge_type" TEXT NOT NULL, "condition_key" TEXT, "target_value" INTEGER NOT NULL,
			"reward_type" TEXT NOT NULL, "reward_points" INTEGER NOT NULL DEFAULT 0,
			"reward_voucher_code" TEXT, "reward_voucher_value" INTEGER NOT NULL DEFAULT 0,
			"reward_badge_code" TEXT, "reward_description" TEXT,
			"is_grand_prize" INTEGER NOT NULL DEFAULT 0, "is_active" INTEGER NOT NULL DEFAULT 0,
			"display_order" INTEGER NOT NULL DEFAULT 0, "created_at" DATETIME, "updated_at" DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS "challenge_dependencies" (
			"id" TEXT PRIMARY KEY, "challenge_id" TEXT NOT NULL, "required_challenge_id" TEXT NOT NULL,
			"created_at" DATETIME,
			UNIQUE ("challenge_id", "required_challenge_id")
		)`,
		`CREATE TABLE IF NOT EXISTS "challenge_progress" (
			"id" TEXT PRIMARY KEY, "customer_id" TEXT NOT NULL, "challenge_id" TEXT NOT NULL,
			"current_progress" INTEGER NOT NULL DEFAULT 0, "is_completed" INTEGER NOT NULL DEFAULT 0,
			"completed_at" DATETIME, "reward_claimed" INTEGER NOT NULL DEFAULT 0, "claimed_at" DATETIME,
			"created_at" DATETIME, "updated_at" DATETIME,
			UNIQUE ("customer_id", "challenge_id")
		)`,
		`CREATE TABLE IF NOT EXISTS "voucher_grants" (
			"id" TEXT PRIMARY KEY, "customer_id" TEXT NOT NULL, "challenge_id" TEXT NOT NULL,
			"code" TEXT, "value" INTEGER NOT NULL DEFAULT 0, "created_at" DATETIME,
			UNIQUE ("customer_id", "challenge_id")
		)`,
		`CREATE TABLE IF NOT EXISTS "badge_grants" (
			"id" TEXT PRIMARY KEY, "customer_id" TEXT NOT NULL, "challenge_id" TEXT NOT NULL,
			"badge_code" TEXT, "created_at" DATETIME,
			UNIQUE ("customer_id", "challenge_id")
		)`,
		`CREATE TABLE IF NOT EXISTS "notification_triggers" (
			"id" TEXT PRIMARY KEY, "customer_id" TEXT NOT NULL, "event" TEXT NOT NULL,
			"dedupe_key" TEXT NOT NULL UNIQUE, "payload" TEXT, "status" TEXT NOT NULL DEFAULT 'pending',
			"created_at" DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS "processed_events" (
			"id" TEXT PRIMARY KEY, "kind" TEXT NOT NULL, "ref" TEXT NOT NULL, "customer_id" TEXT NOT NULL,
			"payload" TEXT, "processed_at" DATETIME,
			UNIQUE ("kind", "ref", "customer_id")
		)`,
	}
	for _, ddl := range tables {
		if err := db.Exec(ddl).Error; err != nil {
			return err
		}
	}
	return nil
}

// freshDB returns a clean database for each test by deleting all rows.
func freshDB() *gorm.DB {
	for _, table := range []string{
		"processed_events", "notification_triggers", "badge_grants", "voucher_grants",
		"challenge_progress", "challenge_dependencies", "challenges",
		"checkin_records", "checkin_streaks", "points_transactions", "points_accounts",
	} {
		testDB.Exec("DELETE FROM " + table)
	}
	return testDB
}

// testClock is a settable clock shared by a test's services.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setupLoyalty returns services over a clean database with the clock
// pinned to testNow.
func setupLoyalty(t *testing.T) (*Loyalty, *testClock) {
	t.Helper()
	db := freshDB()
	clock := newTestClock(testNow)
	return NewLoyalty(db, config.DefaultPolicy(), clock.Now), clock
}

func seedChallenge(t *testing.T, db *gorm.DB, code string, typ models.ChallengeType, target int64, start, end time.Time, mutate ...func(*models.Challenge)) models.Challenge {
	t.Helper()
	ch := models.Challenge{
		Code:          code,
		Name:          code,
		Season:        "SPRING",
		Year:          2026,
		StartDate:     start.UTC(),
		EndDate:       end.UTC(),
		ChallengeType: typ,
		TargetValue:   target,
		RewardType:    models.RewardPoints,
		RewardPoints:  200,
		IsActive:      true,
	}
	for _, fn := range mutate {
		fn(&ch)
	}
	if err := db.Omit("Dependencies").Create(&ch).Error; err != nil {
		t.Fatalf("failed to seed challenge %s: %v", code, err)
	}
	return ch
}

func seedDependency(t *testing.T, db *gorm.DB, comboID, requiredID uuid.UUID) {
	t.Helper()
	dep := models.ChallengeDependency{ChallengeID: comboID, RequiredChallengeID: requiredID}
	if err := db.Create(&dep).Error; err != nil {
		t.Fatalf("failed to seed dependency: %v", err)
	}
}

// assertReplayMatchesCache checks the cached account against a full replay.
func assertReplayMatchesCache(t *testing.T, l *Ledger, customerID uuid.UUID) {
	t.Helper()
	report, err := l.Reconcile(t.Context(), customerID, false)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("expected cache to match replay, cached %+v replayed %+v", report.Cached, report.Replayed)
	}
	if report.Cached.Balance != report.Cached.TotalEarned-report.Cached.TotalSpent-report.Cached.TotalExpired {
		t.Fatalf("balance %d does not equal earned-spent-expired %+v", report.Cached.Balance, report.Cached)
	}
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

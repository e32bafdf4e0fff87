package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"loyalty-backend/config"
	"loyalty-backend/middleware"
	"loyalty-backend/models"
	"loyalty-backend/services"
	"loyalty-backend/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDB *gorm.DB

// testNow is 10:00 local time on 2026-03-10 under the default policy.
var testNow = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("JWT_SECRET", "test-secret-key-for-unit-tests")

	var err error
	testDB, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}
	// Limit to 1 open connection so background sweep jobs share the same
	// in-memory database.
	sqlDB, _ := testDB.DB()
	sqlDB.SetMaxOpenConns(1)

	// Create tables using raw SQLite-compatible SQL instead of AutoMigrate,
	// because the GORM model tags use PostgreSQL-specific defaults like gen_random_uuid().
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

// ==================== Seed Helpers ====================

// setupLoyalty returns services over a clean database with the clock fixed
// at testNow.
func setupLoyalty() *services.Loyalty {
	db := freshDB()
	return services.NewLoyalty(db, config.DefaultPolicy(), func() time.Time { return testNow })
}

func customerToken(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	token, err := utils.GenerateToken(id, "customer@test.com", utils.RoleCustomer)
	if err != nil {
		t.Fatal(err)
	}
	return id, token
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := utils.GenerateToken(uuid.New(), "admin@test.com", utils.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func serviceToken(t *testing.T) string {
	t.Helper()
	token, err := utils.GenerateServiceToken("order-service", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func seedChallenge(t *testing.T, code string, typ models.ChallengeType, target int64) models.Challenge {
	t.Helper()
	ch := models.Challenge{
		Code:          code,
		Name:          code,
		Season:        "SPRING",
		Year:          2026,
		StartDate:     testNow.AddDate(0, 0, -1),
		EndDate:       testNow.AddDate(0, 1, 0),
		ChallengeType: typ,
		TargetValue:   target,
		RewardType:    models.RewardPoints,
		RewardPoints:  200,
		IsActive:      true,
	}
	if err := testDB.Omit("Dependencies").Create(&ch).Error; err != nil {
		t.Fatalf("failed to seed challenge %s: %v", code, err)
	}
	return ch
}

// ==================== Router Setup ====================

func setupRouter(loyalty *services.Loyalty) *gin.Engine {
	r := gin.New()

	points := &PointsHandler{Loyalty: loyalty}
	challenges := &ChallengeHandler{Loyalty: loyalty}
	events := &EventHandler{Loyalty: loyalty}
	admin := &AdminHandler{Loyalty: loyalty, Jobs: utils.NewJobStore()}

	api := r.Group("/api")
	api.GET("/challenges/active", challenges.GetActive)
	api.GET("/challenges/upcoming", challenges.GetUpcoming)
	api.GET("/challenges/season/:season/:year", challenges.GetBySeason)
	api.GET("/challenges/code/:code", challenges.GetByCode)

	customer := api.Group("")
	customer.Use(middleware.AuthMiddleware(), middleware.CustomerMiddleware())
	customer.GET("/points/wallet", points.GetWallet)
	customer.GET("/points/transactions", points.GetTransactions)
	customer.POST("/points/checkin", points.CheckIn)
	customer.GET("/points/checkin/status", points.GetCheckinStatus)
	customer.POST("/points/redeem/preview", points.PreviewRedemption)
	customer.POST("/points/redeem/confirm", points.ConfirmRedemption)
	customer.GET("/challenges/my-progress", challenges.GetMyProgress)
	customer.GET("/challenges/claimable", challenges.GetClaimable)
	customer.GET("/challenges/:id/my-progress", challenges.GetChallengeProgress)
	customer.POST("/challenges/:id/claim", challenges.ClaimReward)

	api.GET("/challenges/:id", challenges.GetChallenge)

	ev := api.Group("/events")
	ev.Use(middleware.AuthMiddleware(), middleware.ServiceMiddleware())
	ev.POST("/order-completed", events.OrderCompleted)
	ev.POST("/review-posted", events.ReviewPosted)
	ev.POST("/referral-converted", events.ReferralConverted)

	adm := api.Group("/admin")
	adm.Use(middleware.AuthMiddleware(), middleware.AdminMiddleware())
	adm.POST("/points/adjust", admin.AdjustPoints)
	adm.POST("/points/transactions/:id/reverse", admin.ReverseTransaction)
	adm.GET("/points/accounts/:customer_id/reconcile", admin.Reconcile)
	adm.POST("/points/accounts/:customer_id/reconcile", admin.Reconcile)
	adm.POST("/points/expire", admin.RunExpirySweep)
	adm.GET("/jobs/:id", admin.GetJobStatus)
	adm.GET("/notifications", admin.ListNotifications)
	adm.PUT("/notifications/:id/delivered", admin.MarkNotificationDelivered)
	adm.GET("/challenges", admin.ListChallenges)
	adm.POST("/challenges", admin.CreateChallenge)
	adm.PUT("/challenges/:id", admin.UpdateChallenge)
	adm.DELETE("/challenges/:id", admin.DeactivateChallenge)

	return r
}

// ==================== Request Helpers ====================

// jsonRequest creates an HTTP request with JSON body.
func jsonRequest(method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// authRequest creates an HTTP request with JSON body and Authorization header.
func authRequest(method, url string, body interface{}, token string) *http.Request {
	req := jsonRequest(method, url, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ==================== Response Helpers ====================

// parseResponse reads the response body into a map.
func parseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// parseResponseArray reads the response body into a slice of maps.
func parseResponseArray(w *httptest.ResponseRecorder) []interface{} {
	var result []interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

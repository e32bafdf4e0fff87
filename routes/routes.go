package routes

import (
	"time"

	"loyalty-backend/handlers"
	"loyalty-backend/middleware"
	"loyalty-backend/services"
	"loyalty-backend/utils"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, loyalty *services.Loyalty) {
	// Initialize handlers
	pointsHandler := &handlers.PointsHandler{Loyalty: loyalty}
	challengeHandler := &handlers.ChallengeHandler{Loyalty: loyalty}
	eventHandler := &handlers.EventHandler{Loyalty: loyalty}
	adminHandler := &handlers.AdminHandler{Loyalty: loyalty, Jobs: utils.Store}

	// Check-in and claim are cheap to spam; 10 requests per minute per customer.
	writeLimiter := middleware.NewRateLimiter(10, time.Minute)

	// Public routes
	api := r.Group("/api")
	{
		api.GET("/challenges/active", challengeHandler.GetActive)
		api.GET("/challenges/upcoming", challengeHandler.GetUpcoming)
		api.GET("/challenges/season/:season/:year", challengeHandler.GetBySeason)
		api.GET("/challenges/code/:code", challengeHandler.GetByCode)
		api.GET("/challenges/:id", challengeHandler.GetChallenge)
	}

	// Customer routes (require a customer token)
	customer := api.Group("")
	customer.Use(middleware.AuthMiddleware())
	customer.Use(middleware.CustomerMiddleware())
	{
		customer.GET("/points/wallet", pointsHandler.GetWallet)
		customer.GET("/points/transactions", pointsHandler.GetTransactions)
		customer.POST("/points/checkin", writeLimiter.Middleware(), pointsHandler.CheckIn)
		customer.GET("/points/checkin/status", pointsHandler.GetCheckinStatus)
		customer.POST("/points/redeem/preview", pointsHandler.PreviewRedemption)
		customer.POST("/points/redeem/confirm", pointsHandler.ConfirmRedemption)

		customer.GET("/challenges/my-progress", challengeHandler.GetMyProgress)
		customer.GET("/challenges/claimable", challengeHandler.GetClaimable)
		customer.GET("/challenges/:id/my-progress", challengeHandler.GetChallengeProgress)
		customer.POST("/challenges/:id/claim", writeLimiter.Middleware(), challengeHandler.ClaimReward)
	}

	// Inbound events from the order, review and referral systems
	events := api.Group("/events")
	events.Use(middleware.AuthMiddleware())
	events.Use(middleware.ServiceMiddleware())
	{
		events.POST("/order-completed", eventHandler.OrderCompleted)
		events.POST("/review-posted", eventHandler.ReviewPosted)
		events.POST("/referral-converted", eventHandler.ReferralConverted)
	}

	// Admin routes (require admin role)
	admin := api.Group("/admin")
	admin.Use(middleware.AuthMiddleware())
	admin.Use(middleware.AdminMiddleware())
	{
		// Points operations
		admin.POST("/points/adjust", adminHandler.AdjustPoints)
		admin.POST("/points/transactions/:id/reverse", adminHandler.ReverseTransaction)
		admin.GET("/points/accounts/:customer_id/reconcile", adminHandler.Reconcile)
		admin.POST("/points/accounts/:customer_id/reconcile", adminHandler.Reconcile)
		admin.POST("/points/expire", adminHandler.RunExpirySweep)
		admin.GET("/jobs/:id", adminHandler.GetJobStatus)

		// Notification outbox
		admin.GET("/notifications", adminHandler.ListNotifications)
		admin.PUT("/notifications/:id/delivered", adminHandler.MarkNotificationDelivered)

		// Challenge management
		admin.GET("/challenges", adminHandler.ListChallenges)
		admin.POST("/challenges", adminHandler.CreateChallenge)
		admin.PUT("/challenges/:id", adminHandler.UpdateChallenge)
		admin.DELETE("/challenges/:id", adminHandler.DeactivateChallenge)
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

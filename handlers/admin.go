package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"loyalty-backend/dtos"
	"loyalty-backend/models"
	"loyalty-backend/services"
	"loyalty-backend/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AdminHandler struct {
	Loyalty *services.Loyalty
	Jobs    *utils.JobStore
}

// AdjustPoints applies a manual credit (positive amount) or debit
// (negative amount). The reference makes the adjustment idempotent.
func (h *AdminHandler) AdjustPoints(c *gin.Context) {
	var req dtos.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	customerID := uuid.MustParse(req.CustomerID)

	description := req.Description
	if description == "" {
		description = "Manual adjustment " + req.Reference
	}

	var (
		entry *models.PointsTransaction
		err   error
	)
	ctx := c.Request.Context()
	if req.Amount > 0 {
		entry, err = h.Loyalty.Ledger.Credit(ctx, customerID, req.Amount, models.SourceManual, req.Reference, description)
	} else {
		entry, err = h.Loyalty.Ledger.Debit(ctx, customerID, -req.Amount, models.SourceManual, req.Reference, description)
	}

	duplicate := errors.Is(err, services.ErrDuplicateSource)
	if err != nil && !duplicate {
		respondError(c, err, "Failed to adjust points")
		return
	}

	admin, _ := c.Get("user_id")
	slog.Info("points adjusted",
		slog.Any("admin_id", admin),
		slog.String("customer_id", customerID.String()),
		slog.Int64("amount", req.Amount),
		slog.String("reference", req.Reference),
		slog.Bool("duplicate", duplicate))

	c.JSON(http.StatusOK, gin.H{
		"transaction": entry,
		"duplicate":   duplicate,
	})
}

func (h *AdminHandler) ReverseTransaction(c *gin.Context) {
	id, ok := parseID(c, "id", "transaction ID")
	if !ok {
		return
	}
	var req dtos.ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}

	entry, err := h.Loyalty.Ledger.Reverse(c.Request.Context(), id, req.Reason)
	duplicate := errors.Is(err, services.ErrDuplicateSource) && entry != nil
	if err != nil && !duplicate {
		respondError(c, err, "Failed to reverse transaction")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": entry,
		"duplicate":   duplicate,
	})
}

// Reconcile reports drift between the cached account and the log. POST
// repairs the cache.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	customerID, ok := parseID(c, "customer_id", "customer ID")
	if !ok {
		return
	}

	repair := c.Request.Method == http.MethodPost
	report, err := h.Loyalty.Ledger.Reconcile(c.Request.Context(), customerID, repair)
	if err != nil {
		respondError(c, err, "Failed to reconcile account")
		return
	}
	c.JSON(http.StatusOK, report)
}

// RunExpirySweep starts an expiry sweep in the background and returns the
// job to poll.
func (h *AdminHandler) RunExpirySweep(c *gin.Context) {
	job := h.Jobs.CreateJob()

	go h.runSweep(job.ID)

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID.String(),
		"status": dtos.JobStatusProcessing,
	})
}

func (h *AdminHandler) runSweep(jobID uuid.UUID) {
	h.Jobs.SetProcessing(jobID)

	report, err := h.Loyalty.Expiry.RunOnce(context.Background())
	h.Jobs.UpdateJob(jobID, func(j *dtos.SweepJob) {
		if report != nil {
			j.Expired = report.Expired
			j.ExpiringSoon = report.ExpiringSoon
			if report.CustomersFailed {
				j.Errors = append(j.Errors, "some customers failed, see logs")
			}
		}
		if err != nil {
			j.Errors = append(j.Errors, err.Error())
		}
	})

	if err != nil {
		slog.Error("admin expiry sweep failed", slog.String("job_id", jobID.String()), slog.Any("error", err))
		h.Jobs.CompleteJob(jobID, dtos.JobStatusFailed)
		return
	}
	h.Jobs.CompleteJob(jobID, dtos.JobStatusCompleted)
}

func (h *AdminHandler) GetJobStatus(c *gin.Context) {
	id, ok := parseID(c, "id", "job ID")
	if !ok {
		return
	}

	job, exists := h.Jobs.GetJob(id)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *AdminHandler) ListNotifications(c *gin.Context) {
	status := models.NotificationStatus(c.DefaultQuery("status", string(models.NotificationPending)))
	if status == "all" {
		status = ""
	}

	var customerID *uuid.UUID
	if raw := c.Query("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid customer ID"})
			return
		}
		customerID = &id
	}

	page, limit := utils.ParsePagination(c.Query("page"), c.Query("limit"))
	triggers, total, err := h.Loyalty.Notifications.List(c.Request.Context(), status, customerID, page, limit)
	if err != nil {
		respondError(c, err, "Failed to fetch notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": triggers,
		"total":         total,
		"page":          page,
		"limit":         limit,
	})
}

func (h *AdminHandler) MarkNotificationDelivered(c *gin.Context) {
	id, ok := parseID(c, "id", "notification ID")
	if !ok {
		return
	}

	updated, err := h.Loyalty.Notifications.MarkDelivered(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to update notification")
		return
	}
	if !updated {
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found or already delivered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification marked delivered"})
}

// Challenge administration

func (h *AdminHandler) ListChallenges(c *gin.Context) {
	challenges, err := h.Loyalty.Challenges.All(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to fetch challenges")
		return
	}
	c.JSON(http.StatusOK, challenges)
}

func challengeInput(req dtos.ChallengeRequest) (services.ChallengeInput, error) {
	in := services.ChallengeInput{
		Code:               req.Code,
		Name:               req.Name,
		Description:        req.Description,
		Season:             req.Season,
		Year:               req.Year,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		ChallengeType:      models.ChallengeType(strings.ToUpper(req.ChallengeType)),
		ConditionKey:       req.ConditionKey,
		TargetValue:        req.TargetValue,
		RewardType:         models.RewardType(strings.ToUpper(req.RewardType)),
		RewardPoints:       req.RewardPoints,
		RewardVoucherCode:  req.RewardVoucherCode,
		RewardVoucherValue: req.RewardVoucherValue,
		RewardBadgeCode:    req.RewardBadgeCode,
		RewardDescription:  req.RewardDescription,
		IsGrandPrize:       req.IsGrandPrize,
		IsActive:           true,
		DisplayOrder:       req.DisplayOrder,
	}
	if req.IsActive != nil {
		in.IsActive = *req.IsActive
	}
	for _, raw := range req.DependsOn {
		id, err := uuid.Parse(raw)
		if err != nil {
			return in, fmt.Errorf("%w: invalid dependency %q", services.ErrInvalidChallenge, raw)
		}
		in.DependsOn = append(in.DependsOn, id)
	}
	return in, nil
}

func (h *AdminHandler) CreateChallenge(c *gin.Context) {
	var req dtos.ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	in, err := challengeInput(req)
	if err != nil {
		respondError(c, err, "Failed to create challenge")
		return
	}

	challenge, err := h.Loyalty.Challenges.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, err, "Failed to create challenge")
		return
	}
	c.JSON(http.StatusCreated, challenge)
}

func (h *AdminHandler) UpdateChallenge(c *gin.Context) {
	id, ok := parseID(c, "id", "challenge ID")
	if !ok {
		return
	}
	var req dtos.ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	in, err := challengeInput(req)
	if err != nil {
		respondError(c, err, "Failed to update challenge")
		return
	}

	challenge, err := h.Loyalty.Challenges.Update(c.Request.Context(), id, in)
	if err != nil {
		respondError(c, err, "Failed to update challenge")
		return
	}
	c.JSON(http.StatusOK, challenge)
}

// DeactivateChallenge hides a challenge. Progress rows are kept so
// customers' history stays intact.
func (h *AdminHandler) DeactivateChallenge(c *gin.Context) {
	id, ok := parseID(c, "id", "challenge ID")
	if !ok {
		return
	}

	if err := h.Loyalty.Challenges.Deactivate(c.Request.Context(), id); err != nil {
		respondError(c, err, "Failed to deactivate challenge")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Challenge deactivated"})
}

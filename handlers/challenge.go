package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"loyalty-backend/services"

	"github.com/gin-gonic/gin"
)

type ChallengeHandler struct {
	Loyalty *services.Loyalty
}

func (h *ChallengeHandler) GetActive(c *gin.Context) {
	challenges, err := h.Loyalty.Challenges.Active(c.Request.Context(), h.Loyalty.Ledger.Now())
	if err != nil {
		respondError(c, err, "Failed to fetch challenges")
		return
	}
	c.JSON(http.StatusOK, challenges)
}

func (h *ChallengeHandler) GetUpcoming(c *gin.Context) {
	challenges, err := h.Loyalty.Challenges.Upcoming(c.Request.Context(), h.Loyalty.Ledger.Now())
	if err != nil {
		respondError(c, err, "Failed to fetch challenges")
		return
	}
	c.JSON(http.StatusOK, challenges)
}

func (h *ChallengeHandler) GetBySeason(c *gin.Context) {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year < 2000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid year"})
		return
	}

	challenges, err := h.Loyalty.Challenges.BySeason(c.Request.Context(), strings.ToUpper(c.Param("season")), year)
	if err != nil {
		respondError(c, err, "Failed to fetch challenges")
		return
	}
	c.JSON(http.StatusOK, challenges)
}

func (h *ChallengeHandler) GetChallenge(c *gin.Context) {
	id, ok := parseID(c, "id", "challenge ID")
	if !ok {
		return
	}

	challenge, err := h.Loyalty.Challenges.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "Failed to fetch challenge")
		return
	}
	c.JSON(http.StatusOK, challenge)
}

func (h *ChallengeHandler) GetByCode(c *gin.Context) {
	challenge, err := h.Loyalty.Challenges.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err, "Failed to fetch challenge")
		return
	}
	c.JSON(http.StatusOK, challenge)
}

func (h *ChallengeHandler) GetMyProgress(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}

	active, err := h.Loyalty.Challenges.ActiveWithProgress(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err, "Failed to fetch progress")
		return
	}
	progress, err := h.Loyalty.Challenges.CustomerProgress(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err, "Failed to fetch progress")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active":   active,
		"progress": progress,
	})
}

// GetChallengeProgress returns the customer's progress on one challenge,
// zero when they have not started it.
func (h *ChallengeHandler) GetChallengeProgress(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}
	challengeID, ok := parseID(c, "id", "challenge ID")
	if !ok {
		return
	}

	view, err := h.Loyalty.Challenges.ProgressFor(c.Request.Context(), customerID, challengeID)
	if err != nil {
		respondError(c, err, "Failed to fetch progress")
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *ChallengeHandler) GetClaimable(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}

	rewards, err := h.Loyalty.Challenges.Claimable(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err, "Failed to fetch claimable rewards")
		return
	}
	c.JSON(http.StatusOK, rewards)
}

func (h *ChallengeHandler) ClaimReward(c *gin.Context) {
	customerID, ok := currentCustomer(c)
	if !ok {
		return
	}
	challengeID, ok := parseID(c, "id", "challenge ID")
	if !ok {
		return
	}

	result, err := h.Loyalty.Claims.Claim(c.Request.Context(), customerID, challengeID)
	if err != nil {
		respondError(c, err, "Failed to claim reward")
		return
	}
	c.JSON(http.StatusOK, result)
}

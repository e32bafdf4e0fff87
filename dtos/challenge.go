package dtos

import "time"

// ChallengeRequest is the admin payload for creating or updating a challenge.
type ChallengeRequest struct {
	Code               string    `json:"code" binding:"required,max=64"`
	Name               string    `json:"name" binding:"required"`
	Description        string    `json:"description"`
	Season             string    `json:"season" binding:"omitempty,oneof=SPRING SUMMER AUTUMN WINTER spring summer autumn winter"`
	Year               int       `json:"year"`
	StartDate          time.Time `json:"start_date" binding:"required"`
	EndDate            time.Time `json:"end_date" binding:"required"`
	ChallengeType      string    `json:"challenge_type" binding:"required"`
	ConditionKey       string    `json:"condition_key"`
	TargetValue        int64     `json:"target_value" binding:"min=0"`
	RewardType         string    `json:"reward_type" binding:"required"`
	RewardPoints       int64     `json:"reward_points" binding:"min=0"`
	RewardVoucherCode  string    `json:"reward_voucher_code"`
	RewardVoucherValue int64     `json:"reward_voucher_value" binding:"min=0"`
	RewardBadgeCode    string    `json:"reward_badge_code"`
	RewardDescription  string    `json:"reward_description"`
	IsGrandPrize       bool      `json:"is_grand_prize"`
	IsActive           *bool     `json:"is_active"`
	DisplayOrder       int       `json:"display_order"`
	DependsOn          []string  `json:"depends_on" binding:"dive,uuid"`
}

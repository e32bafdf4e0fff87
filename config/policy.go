package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/pelletier/go-toml/v2"
)

// PointsPolicy holds every tunable rule of the loyalty program. One policy
// applies to the whole store.
type PointsPolicy struct {
	// Redemption
	ValuePerPoint      int64 `toml:"value_per_point"`
	MaxDiscountPercent int64 `toml:"max_discount_percent"`
	MinRedeemPoints    int64 `toml:"min_redeem_points"`

	// Earning
	EarnSpendPerPoint    int64 `toml:"earn_spend_per_point"`
	MaxOrderPointsPerDay int64 `toml:"max_order_points_per_day"`
	ReviewPoints         int64 `toml:"review_points"`
	ReferralPoints       int64 `toml:"referral_points"`

	// Expiry
	ExpiryMonths     int `toml:"expiry_months"`
	ExpiringSoonDays int `toml:"expiring_soon_days"`

	// Check-in
	CheckinSchedule []int64 `toml:"checkin_schedule"`
	Day7Multiplier  int64   `toml:"day7_multiplier"`
	Timezone        string  `toml:"timezone"`

	// Challenges
	ClaimGraceDays     int `toml:"claim_grace_days"`
	ChallengeCacheSize int `toml:"challenge_cache_size"`

	// Background sweep
	SweepIntervalHours int `toml:"sweep_interval_hours"`
	SweepConcurrency   int `toml:"sweep_concurrency"`

	location *time.Location
}

// StreakCycle is the number of days in one check-in reward cycle.
const StreakCycle = 7

// DefaultPolicy returns the store's standard rules.
func DefaultPolicy() *PointsPolicy {
	p := &PointsPolicy{
		ValuePerPoint:        500,
		MaxDiscountPercent:   20,
		MinRedeemPoints:      50,
		EarnSpendPerPoint:    50000,
		MaxOrderPointsPerDay: 500,
		ReviewPoints:         20,
		ReferralPoints:       100,
		ExpiryMonths:         12,
		ExpiringSoonDays:     30,
		CheckinSchedule:      []int64{10, 15, 20, 25, 30, 40, 50},
		Day7Multiplier:       2,
		Timezone:             "Asia/Ho_Chi_Minh",
		ClaimGraceDays:       7,
		ChallengeCacheSize:   256,
		SweepIntervalHours:   24,
		SweepConcurrency:     8,
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy reads a TOML file on top of DefaultPolicy. An empty path
// returns the defaults.
func LoadPolicy(path string) (*PointsPolicy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read points policy: %w", err)
	}
	if err := toml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse points policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the policy and resolves its timezone.
func (p *PointsPolicy) Validate() error {
	switch {
	case p.ValuePerPoint <= 0:
		return fmt.Errorf("invalid points policy: value_per_point must be positive")
	case p.MaxDiscountPercent <= 0 || p.MaxDiscountPercent > 100:
		return fmt.Errorf("invalid points policy: max_discount_percent must be in 1..100")
	case p.MinRedeemPoints < 0:
		return fmt.Errorf("invalid points policy: min_redeem_points must not be negative")
	case p.EarnSpendPerPoint <= 0:
		return fmt.Errorf("invalid points policy: earn_spend_per_point must be positive")
	case p.ExpiryMonths <= 0:
		return fmt.Errorf("invalid points policy: expiry_months must be positive")
	case len(p.CheckinSchedule) != StreakCycle:
		return fmt.Errorf("invalid points policy: checkin_schedule needs %d entries, got %d", StreakCycle, len(p.CheckinSchedule))
	case p.Day7Multiplier < 1:
		return fmt.Errorf("invalid points policy: day7_multiplier must be at least 1")
	case p.SweepIntervalHours <= 0:
		return fmt.Errorf("invalid points policy: sweep_interval_hours must be positive")
	}
	for i, v := range p.CheckinSchedule {
		if v <= 0 {
			return fmt.Errorf("invalid points policy: checkin_schedule[%d] must be positive", i)
		}
	}
	if p.SweepConcurrency <= 0 {
		p.SweepConcurrency = 1
	}
	if p.ChallengeCacheSize <= 0 {
		p.ChallengeCacheSize = 1
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return fmt.Errorf("invalid points policy: timezone %q: %w", p.Timezone, err)
	}
	p.location = loc
	return nil
}

// Location is the timezone that defines a calendar day for check-ins and
// daily earning caps.
func (p *PointsPolicy) Location() *time.Location {
	if p.location == nil {
		return time.UTC
	}
	return p.location
}

// LocalDate truncates t to its calendar date in the policy timezone. The
// result is midnight UTC of that date so it compares and stores cleanly.
func (p *PointsPolicy) LocalDate(t time.Time) time.Time {
	y, m, d := t.In(p.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayStart returns the instant the local calendar day containing t began.
func (p *PointsPolicy) DayStart(t time.Time) time.Time {
	y, m, d := t.In(p.Location()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.Location()).UTC()
}

// CheckinReward returns the points for a streak position in 1..7.
func (p *PointsPolicy) CheckinReward(day int) int64 {
	if day < 1 || day > len(p.CheckinSchedule) {
		return 0
	}
	points := p.CheckinSchedule[day-1]
	if day == StreakCycle {
		points *= p.Day7Multiplier
	}
	return points
}

// ExpiresAt is when points earned at t lapse.
func (p *PointsPolicy) ExpiresAt(t time.Time) time.Time {
	return t.AddDate(0, p.ExpiryMonths, 0)
}

func (p *PointsPolicy) ExpiringSoonWindow() time.Duration {
	return time.Duration(p.ExpiringSoonDays) * 24 * time.Hour
}

func (p *PointsPolicy) ClaimGrace() time.Duration {
	return time.Duration(p.ClaimGraceDays) * 24 * time.Hour
}

func (p *PointsPolicy) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalHours) * time.Hour
}

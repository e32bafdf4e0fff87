package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"loyalty-backend/config"
	"loyalty-backend/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dateLayout = "2006-01-02"

// Streaks is the daily check-in state machine.
type Streaks struct {
	engine
	ledger  *Ledger
	tracker *ChallengeTracker
}

func NewStreaks(ledger *Ledger, tracker *ChallengeTracker) *Streaks {
	return &Streaks{engine: ledger.engine, ledger: ledger, tracker: tracker}
}

type CheckinResult struct {
	Streak        models.CheckinStreak      `json:"streak"`
	StreakDay     int                       `json:"streak_day"`
	PointsAwarded int64                     `json:"points_awarded"`
	Transaction   *models.PointsTransaction `json:"transaction,omitempty"`
	Balance       int64                     `json:"balance"`
}

// nextPosition moves the reward-cycle position and the consecutive-day run
// for a check-in on today given the previous check-in date.
func nextPosition(last *time.Time, today time.Time, current, consecutive int) (int, int) {
	if last != nil && last.UTC().Equal(today.AddDate(0, 0, -1)) {
		return current%config.StreakCycle + 1, consecutive + 1
	}
	return 1, 1
}

// CheckIn records today's check-in and credits the scheduled reward. A
// second check-in on the same local day fails with ErrAlreadyCheckedIn.
func (s *Streaks) CheckIn(ctx context.Context, customerID uuid.UUID) (*CheckinResult, error) {
	now := s.now()
	today := s.policy.LocalDate(now)
	result := &CheckinResult{}

	err := s.withCustomer(ctx, customerID, "check in", func(tx *gorm.DB) error {
		streak, err := lockStreak(tx, customerID)
		if err != nil {
			return err
		}
		if streak.LastCheckinDate != nil && streak.LastCheckinDate.UTC().Equal(today) {
			return ErrAlreadyCheckedIn
		}

		day, consecutive := nextPosition(streak.LastCheckinDate, today, streak.CurrentStreak, streak.ConsecutiveDays)
		points := s.policy.CheckinReward(day)

		// The ledger key makes a retried check-in credit at most once.
		ref := customerID.String() + ":" + today.Format(dateLayout)
		entry, err := s.ledger.creditTx(tx, customerID, points, models.SourceCheckin, ref, "Daily check-in day "+strconv.Itoa(day))
		if err != nil && !errors.Is(err, ErrDuplicateSource) {
			return err
		}

		record := models.CheckinRecord{
			CustomerID:    customerID,
			CheckinDate:   today,
			StreakDay:     day,
			PointsAwarded: points,
			TransactionID: &entry.ID,
			CreatedAt:     now,
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyCheckedIn
			}
			return storageErr("record check-in", err)
		}

		streak.CurrentStreak = day
		streak.ConsecutiveDays = consecutive
		streak.LongestStreak = max(streak.LongestStreak, consecutive)
		streak.TotalCheckins++
		streak.LastCheckinDate = &today
		streak.UpdatedAt = now
		if err := tx.Save(streak).Error; err != nil {
			return storageErr("save streak", err)
		}

		if _, err := s.tracker.applyTx(tx, ProgressEvent{
			Kind:       ProgressCheckin,
			CustomerID: customerID,
			OccurredAt: now,
			StreakDays: int64(consecutive),
		}); err != nil {
			return err
		}

		result.Streak = *streak
		result.StreakDay = day
		result.PointsAwarded = points
		result.Transaction = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.Balance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	result.Balance = balance

	slog.Info("customer checked in",
		slog.String("customer_id", customerID.String()),
		slog.Int("streak_day", result.StreakDay),
		slog.Int64("points", result.PointsAwarded))
	return result, nil
}

type ScheduleDay struct {
	Day       int   `json:"day"`
	Points    int64 `json:"points"`
	Completed bool  `json:"completed"`
	IsToday   bool  `json:"is_today"`
}

type StreakStatus struct {
	CurrentStreak   int           `json:"current_streak"`
	ConsecutiveDays int           `json:"consecutive_days"`
	LongestStreak   int           `json:"longest_streak"`
	TotalCheckins   int           `json:"total_checkins"`
	LastCheckinDate *time.Time    `json:"last_checkin_date,omitempty"`
	CanCheckinToday bool          `json:"can_checkin_today"`
	NextStreakDay   int           `json:"next_streak_day"`
	NextPoints      int64         `json:"next_points"`
	Schedule        []ScheduleDay `json:"schedule"`
}

// Status reports the streak as it stands today. A streak whose last
// check-in is older than yesterday reads as broken even though the stored
// row is only reset on the next check-in.
func (s *Streaks) Status(ctx context.Context, customerID uuid.UUID) (*StreakStatus, error) {
	var streak models.CheckinStreak
	err := s.db.WithContext(ctx).First(&streak, "customer_id = ?", customerID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storageErr("load streak", err)
	}

	today := s.policy.LocalDate(s.now())
	yesterday := today.AddDate(0, 0, -1)
	checkedToday := streak.LastCheckinDate != nil && streak.LastCheckinDate.UTC().Equal(today)
	continuing := streak.LastCheckinDate != nil && streak.LastCheckinDate.UTC().Equal(yesterday)

	status := &StreakStatus{
		LongestStreak:   streak.LongestStreak,
		TotalCheckins:   streak.TotalCheckins,
		LastCheckinDate: streak.LastCheckinDate,
		CanCheckinToday: !checkedToday,
	}
	if checkedToday || continuing {
		status.CurrentStreak = streak.CurrentStreak
		status.ConsecutiveDays = streak.ConsecutiveDays
	}

	next := 1
	if checkedToday || continuing {
		next = streak.CurrentStreak%config.StreakCycle + 1
	}
	status.NextStreakDay = next
	status.NextPoints = s.policy.CheckinReward(next)

	// When the cycle has just wrapped the schedule shows a fresh week.
	completedThrough := status.CurrentStreak
	if !checkedToday && completedThrough == config.StreakCycle {
		completedThrough = 0
	}
	for day := 1; day <= config.StreakCycle; day++ {
		status.Schedule = append(status.Schedule, ScheduleDay{
			Day:       day,
			Points:    s.policy.CheckinReward(day),
			Completed: day <= completedThrough,
			IsToday:   (checkedToday && day == status.CurrentStreak) || (!checkedToday && day == next),
		})
	}
	return status, nil
}

func lockStreak(tx *gorm.DB, customerID uuid.UUID) (*models.CheckinStreak, error) {
	streak := models.CheckinStreak{CustomerID: customerID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&streak).Error; err != nil {
		return nil, storageErr("create streak", err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&streak, "customer_id = ?", customerID).Error; err != nil {
		return nil, storageErr("lock streak", err)
	}
	return &streak, nil
}

package services

import (
	"loyalty-backend/config"

	"gorm.io/gorm"
)

// Loyalty wires the loyalty services around one database, one policy and
// one set of per-customer locks.
type Loyalty struct {
	Ledger        *Ledger
	Redemption    *Redemption
	Streaks       *Streaks
	Challenges    *ChallengeTracker
	Claims        *Claims
	Events        *EventProcessor
	Notifications *Notifications
	Expiry        *ExpiryWorker
}

func NewLoyalty(db *gorm.DB, policy *config.PointsPolicy, clock Clock) *Loyalty {
	ledger := NewLedger(db, policy, NewKeyedMutex(), clock)
	tracker := NewChallengeTracker(ledger)
	return &Loyalty{
		Ledger:        ledger,
		Redemption:    NewRedemption(ledger),
		Streaks:       NewStreaks(ledger, tracker),
		Challenges:    tracker,
		Claims:        NewClaims(ledger),
		Events:        NewEventProcessor(ledger, tracker),
		Notifications: NewNotifications(db),
		Expiry:        NewExpiryWorker(ledger),
	}
}

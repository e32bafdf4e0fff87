package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type NotificationEvent string

const (
	EventPointsCredited     NotificationEvent = "PointsCredited"
	EventPointsDebited      NotificationEvent = "PointsDebited"
	EventChallengeCompleted NotificationEvent = "ChallengeCompleted"
	EventRewardClaimed      NotificationEvent = "RewardClaimed"
	EventPointsExpiringSoon NotificationEvent = "PointsExpiringSoon"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
)

// NotificationTrigger is an outbox row written in the same transaction as
// the state change it announces. A delivery worker drains pending rows.
type NotificationTrigger struct {
	ID         uuid.UUID          `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	CustomerID uuid.UUID          `gorm:"type:uuid;not null;index" json:"customer_id"`
	Event      NotificationEvent  `gorm:"type:varchar(32);not null;index" json:"event"`
	DedupeKey  string             `gorm:"type:varchar(191);uniqueIndex;not null" json:"dedupe_key"`
	Payload    datatypes.JSON     `gorm:"type:jsonb" json:"payload"`
	Status     NotificationStatus `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
}

func (n *NotificationTrigger) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

type InboundEventKind string

const (
	InboundOrderCompleted    InboundEventKind = "OrderCompleted"
	InboundReviewPosted      InboundEventKind = "ReviewPosted"
	InboundReferralConverted InboundEventKind = "ReferralConverted"
)

// ProcessedEvent marks an inbound event as applied so redelivery is a no-op.
type ProcessedEvent struct {
	ID          uuid.UUID        `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	Kind        InboundEventKind `gorm:"type:varchar(32);not null;uniqueIndex:idx_processed_event,priority:1" json:"kind"`
	Ref         string           `gorm:"type:varchar(191);not null;uniqueIndex:idx_processed_event,priority:2" json:"ref"`
	CustomerID  uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:idx_processed_event,priority:3" json:"customer_id"`
	Payload     datatypes.JSON   `gorm:"type:jsonb" json:"payload"`
	ProcessedAt time.Time        `json:"processed_at"`
}

func (e *ProcessedEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loyalty-backend/models"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrChallengeCodeTaken = errors.New("challenge code already exists")
	ErrInvalidChallenge   = models.ErrInvalidChallenge
)

type ProgressEventKind string

const (
	ProgressOrder    ProgressEventKind = "order"
	ProgressReview   ProgressEventKind = "review"
	ProgressReferral ProgressEventKind = "referral"
	ProgressCheckin  ProgressEventKind = "checkin"
)

// ProgressEvent is a customer action as seen by the challenge tracker.
// OccurredAt decides which challenge windows it falls in.
type ProgressEvent struct {
	Kind       ProgressEventKind
	CustomerID uuid.UUID
	OccurredAt time.Time
	OrderTotal int64
	LineItems  []ProgressLineItem
	StreakDays int64
}

type ProgressLineItem struct {
	Category string
	Amount   int64
}

// ChallengeTracker owns challenge definitions on the read path and every
// customer's ChallengeProgress.
type ChallengeTracker struct {
	engine
	cache *lru.Cache
}

func NewChallengeTracker(ledger *Ledger) *ChallengeTracker {
	cache, _ := lru.New(ledger.policy.ChallengeCacheSize)
	return &ChallengeTracker{engine: ledger.engine, cache: cache}
}

// MatchesCondition reports whether category satisfies a condition key of
// the form "category:value" or a bare value. An empty value matches all.
func MatchesCondition(conditionKey, category string) bool {
	value := strings.TrimSpace(conditionKey)
	if i := strings.Index(value, ":"); i >= 0 {
		value = strings.TrimSpace(value[i+1:])
	}
	if value == "" {
		return true
	}
	return strings.EqualFold(value, strings.TrimSpace(category))
}

// Contribution is what ev adds to a challenge of ch's type. ok is false
// when the event does not concern the challenge at all.
func Contribution(ch *models.Challenge, ev ProgressEvent) (int64, bool) {
	switch ch.ChallengeType {
	case models.ChallengeOrderCount, models.ChallengeProductCategory:
		if ev.Kind != ProgressOrder || !anyItemMatches(ch.ConditionKey, ev.LineItems) {
			return 0, false
		}
		return 1, true

	case models.ChallengeOrderValue:
		if ev.Kind != ProgressOrder {
			return 0, false
		}
		if MatchesCondition(ch.ConditionKey, "") {
			return ev.OrderTotal, true
		}
		var sum int64
		for _, item := range ev.LineItems {
			if MatchesCondition(ch.ConditionKey, item.Category) {
				sum += item.Amount
			}
		}
		return sum, sum > 0

	case models.ChallengeReviewCount:
		return 1, ev.Kind == ProgressReview

	case models.ChallengeReferralCount:
		return 1, ev.Kind == ProgressReferral

	case models.ChallengeCheckinStreak:
		return ev.StreakDays, ev.Kind == ProgressCheckin
	}
	return 0, false
}

func anyItemMatches(conditionKey string, items []ProgressLineItem) bool {
	if MatchesCondition(conditionKey, "") {
		return true
	}
	for _, item := range items {
		if MatchesCondition(conditionKey, item.Category) {
			return true
		}
	}
	return false
}

// advance returns the next progress value, never past the target and never
// below the current value. A target lowered under the current value leaves
// the value where it is.
func advance(ch *models.Challenge, current, contribution int64) int64 {
	if ch.ChallengeType.IsSnapshot() {
		return max(current, min(ch.TargetValue, contribution))
	}
	return max(current, min(ch.TargetValue, current+contribution))
}

// Apply feeds one event to every matching active challenge under the
// customer's lock. It returns the progress rows that changed.
func (t *ChallengeTracker) Apply(ctx context.Context, ev ProgressEvent) ([]models.ChallengeProgress, error) {
	var changed []models.ChallengeProgress
	err := t.withCustomer(ctx, ev.CustomerID, "apply challenge event", func(tx *gorm.DB) error {
		var err error
		changed, err = t.applyTx(tx, ev)
		return err
	})
	return changed, err
}

func (t *ChallengeTracker) applyTx(tx *gorm.DB, ev ProgressEvent) ([]models.ChallengeProgress, error) {
	at := ev.OccurredAt.UTC()
	if at.IsZero() {
		at = t.now()
	}

	var challenges []models.Challenge
	if err := tx.Preload("Dependencies").
		Where("is_active = ? AND start_date <= ? AND end_date > ?", true, at, at).
		Order("display_order ASC, created_at ASC").
		Find(&challenges).Error; err != nil {
		return nil, storageErr("load active challenges", err)
	}

	now := t.now()
	var changed []models.ChallengeProgress
	var combos []*models.Challenge
	for i := range challenges {
		ch := &challenges[i]
		if ch.ChallengeType == models.ChallengeCombo {
			combos = append(combos, ch)
			continue
		}
		contribution, ok := Contribution(ch, ev)
		if !ok || contribution <= 0 {
			continue
		}

		p, err := lockProgress(tx, ev.CustomerID, ch.ID)
		if err != nil {
			return nil, err
		}
		if p.IsCompleted {
			slog.Debug("event ignored for completed challenge",
				slog.String("customer_id", ev.CustomerID.String()),
				slog.String("challenge", ch.Code))
			continue
		}
		next := advance(ch, p.CurrentProgress, contribution)
		if next == p.CurrentProgress && next < ch.TargetValue {
			continue
		}
		if err := t.saveProgress(tx, ch, p, next, now); err != nil {
			return nil, err
		}
		changed = append(changed, *p)
	}

	// A combo can depend on another combo, so repeat until nothing moves.
	for pass := 0; pass <= len(combos); pass++ {
		moved := false
		for _, ch := range combos {
			p, ok, err := t.evaluateCombo(tx, ev.CustomerID, ch, now)
			if err != nil {
				return nil, err
			}
			if ok {
				moved = true
				changed = append(changed, *p)
			}
		}
		if !moved {
			break
		}
	}
	return changed, nil
}

// evaluateCombo re-counts completed dependencies. ok reports a change.
func (t *ChallengeTracker) evaluateCombo(tx *gorm.DB, customerID uuid.UUID, ch *models.Challenge, now time.Time) (*models.ChallengeProgress, bool, error) {
	if len(ch.Dependencies) == 0 {
		return nil, false, nil
	}
	required := make([]uuid.UUID, 0, len(ch.Dependencies))
	for _, d := range ch.Dependencies {
		required = append(required, d.RequiredChallengeID)
	}

	var done int64
	if err := tx.Model(&models.ChallengeProgress{}).
		Where("customer_id = ? AND challenge_id IN ? AND is_completed = ?", customerID, required, true).
		Count(&done).Error; err != nil {
		return nil, false, storageErr("count combo dependencies", err)
	}
	if done == 0 {
		return nil, false, nil
	}

	p, err := lockProgress(tx, customerID, ch.ID)
	if err != nil {
		return nil, false, err
	}
	if p.IsCompleted || done <= p.CurrentProgress {
		return p, false, nil
	}

	target := *ch
	target.TargetValue = int64(len(required))
	if err := t.saveProgress(tx, &target, p, done, now); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (t *ChallengeTracker) saveProgress(tx *gorm.DB, ch *models.Challenge, p *models.ChallengeProgress, next int64, now time.Time) error {
	p.CurrentProgress = next
	p.UpdatedAt = now
	completed := next >= ch.TargetValue
	if completed {
		p.IsCompleted = true
		p.CompletedAt = &now
	}
	if err := tx.Save(p).Error; err != nil {
		return storageErr("save challenge progress", err)
	}
	if !completed {
		return nil
	}

	slog.Info("challenge completed",
		slog.String("customer_id", p.CustomerID.String()),
		slog.String("challenge", ch.Code))
	_, err := emitTrigger(tx, p.CustomerID, models.EventChallengeCompleted,
		fmt.Sprintf("challenge-completed:%s:%s", p.CustomerID, ch.ID), ChallengeCompleted{
			CustomerID:  p.CustomerID,
			ChallengeID: ch.ID,
			Code:        ch.Code,
			CompletedAt: now,
		}, now)
	return err
}

// lockProgress returns the customer's progress row for a challenge,
// creating it at zero, and row-locks it.
func lockProgress(tx *gorm.DB, customerID, challengeID uuid.UUID) (*models.ChallengeProgress, error) {
	seed := models.ChallengeProgress{CustomerID: customerID, ChallengeID: challengeID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, storageErr("create challenge progress", err)
	}
	var p models.ChallengeProgress
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ? AND challenge_id = ?", customerID, challengeID).
		First(&p).Error; err != nil {
		return nil, storageErr("lock challenge progress", err)
	}
	return &p, nil
}

// Definitions

func (t *ChallengeTracker) Get(ctx context.Context, id uuid.UUID) (*models.Challenge, error) {
	return t.load(t.db.WithContext(ctx), id)
}

// load reads a definition through the cache using db, which may be a
// transaction.
func (t *ChallengeTracker) load(db *gorm.DB, id uuid.UUID) (*models.Challenge, error) {
	if v, ok := t.cache.Get(id); ok {
		ch := v.(models.Challenge)
		return &ch, nil
	}
	var ch models.Challenge
	if err := db.Preload("Dependencies").First(&ch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, storageErr("load challenge", err)
	}
	t.cache.Add(id, ch)
	return &ch, nil
}

func (t *ChallengeTracker) GetByCode(ctx context.Context, code string) (*models.Challenge, error) {
	var ch models.Challenge
	if err := t.db.WithContext(ctx).Preload("Dependencies").Where("code = ?", code).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, storageErr("load challenge by code", err)
	}
	return &ch, nil
}

// Active lists challenges open for progress at the given instant.
func (t *ChallengeTracker) Active(ctx context.Context, at time.Time) ([]models.Challenge, error) {
	var challenges []models.Challenge
	err := t.db.WithContext(ctx).
		Where("is_active = ? AND start_date <= ? AND end_date > ?", true, at.UTC(), at.UTC()).
		Order("display_order ASC, created_at ASC").
		Find(&challenges).Error
	return challenges, storageErr("list active challenges", err)
}

func (t *ChallengeTracker) Upcoming(ctx context.Context, at time.Time) ([]models.Challenge, error) {
	var challenges []models.Challenge
	err := t.db.WithContext(ctx).
		Where("is_active = ? AND start_date > ?", true, at.UTC()).
		Order("start_date ASC, display_order ASC").
		Find(&challenges).Error
	return challenges, storageErr("list upcoming challenges", err)
}

func (t *ChallengeTracker) BySeason(ctx context.Context, season string, year int) ([]models.Challenge, error) {
	var challenges []models.Challenge
	err := t.db.WithContext(ctx).
		Where("UPPER(season) = ? AND year = ? AND is_active = ?", strings.ToUpper(season), year, true).
		Order("display_order ASC, created_at ASC").
		Find(&challenges).Error
	return challenges, storageErr("list season challenges", err)
}

// All lists every definition, retired ones included.
func (t *ChallengeTracker) All(ctx context.Context) ([]models.Challenge, error) {
	var challenges []models.Challenge
	err := t.db.WithContext(ctx).Preload("Dependencies").
		Order("year DESC, season ASC, display_order ASC").
		Find(&challenges).Error
	return challenges, storageErr("list challenges", err)
}

// ChallengeInput carries operator-authored fields for create and update.
type ChallengeInput struct {
	Code               string
	Name               string
	Description        string
	Season             string
	Year               int
	StartDate          time.Time
	EndDate            time.Time
	ChallengeType      models.ChallengeType
	ConditionKey       string
	TargetValue        int64
	RewardType         models.RewardType
	RewardPoints       int64
	RewardVoucherCode  string
	RewardVoucherValue int64
	RewardBadgeCode    string
	RewardDescription  string
	IsGrandPrize       bool
	IsActive           bool
	DisplayOrder       int
	DependsOn          []uuid.UUID
}

func (in *ChallengeInput) validate() error {
	if in.ChallengeType == models.ChallengeCombo {
		if len(in.DependsOn) == 0 {
			return fmt.Errorf("%w: combo challenge needs dependencies", ErrInvalidChallenge)
		}
		in.TargetValue = int64(len(in.DependsOn))
	}
	var ch models.Challenge
	in.apply(&ch)
	return ch.Validate()
}

func (in *ChallengeInput) apply(ch *models.Challenge) {
	ch.Code = strings.TrimSpace(in.Code)
	ch.Name = in.Name
	ch.Description = in.Description
	ch.Season = strings.ToUpper(in.Season)
	ch.Year = in.Year
	ch.StartDate = in.StartDate.UTC()
	ch.EndDate = in.EndDate.UTC()
	ch.ChallengeType = in.ChallengeType
	ch.ConditionKey = in.ConditionKey
	ch.TargetValue = in.TargetValue
	ch.RewardType = in.RewardType
	ch.RewardPoints = in.RewardPoints
	ch.RewardVoucherCode = in.RewardVoucherCode
	ch.RewardVoucherValue = in.RewardVoucherValue
	ch.RewardBadgeCode = in.RewardBadgeCode
	ch.RewardDescription = in.RewardDescription
	ch.IsGrandPrize = in.IsGrandPrize
	ch.IsActive = in.IsActive
	ch.DisplayOrder = in.DisplayOrder
}

func (t *ChallengeTracker) Create(ctx context.Context, in ChallengeInput) (*models.Challenge, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	ch := &models.Challenge{ID: uuid.New()}
	in.apply(ch)

	tx := t.db.WithContext(ctx).Begin()
	if err := tx.Omit("Dependencies").Create(ch).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrChallengeCodeTaken
		}
		return nil, storageErr("create challenge", err)
	}
	if err := replaceDependencies(tx, ch.ID, in.DependsOn); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, storageErr("create challenge: commit", err)
	}

	slog.Info("challenge created", slog.String("code", ch.Code), slog.String("type", string(ch.ChallengeType)))
	return t.Get(ctx, ch.ID)
}

// Update replaces a definition's fields. Existing progress is kept.
func (t *ChallengeTracker) Update(ctx context.Context, id uuid.UUID, in ChallengeInput) (*models.Challenge, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	tx := t.db.WithContext(ctx).Begin()
	var ch models.Challenge
	if err := tx.First(&ch, "id = ?", id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, storageErr("load challenge", err)
	}
	in.apply(&ch)
	if err := tx.Omit("Dependencies").Save(&ch).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrChallengeCodeTaken
		}
		return nil, storageErr("update challenge", err)
	}
	if err := replaceDependencies(tx, ch.ID, in.DependsOn); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, storageErr("update challenge: commit", err)
	}

	t.cache.Remove(id)
	return t.Get(ctx, id)
}

// Deactivate retires a challenge. Definitions are never deleted.
func (t *ChallengeTracker) Deactivate(ctx context.Context, id uuid.UUID) error {
	res := t.db.WithContext(ctx).Model(&models.Challenge{}).Where("id = ?", id).
		Updates(map[string]any{"is_active": false, "updated_at": t.now()})
	if res.Error != nil {
		return storageErr("deactivate challenge", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChallengeNotFound
	}
	t.cache.Remove(id)
	slog.Info("challenge deactivated", slog.String("challenge_id", id.String()))
	return nil
}

func replaceDependencies(tx *gorm.DB, challengeID uuid.UUID, required []uuid.UUID) error {
	if err := tx.Where("challenge_id = ?", challengeID).Delete(&models.ChallengeDependency{}).Error; err != nil {
		return storageErr("clear challenge dependencies", err)
	}
	seen := make(map[uuid.UUID]bool, len(required))
	for _, req := range required {
		if req == challengeID {
			return fmt.Errorf("%w: a challenge cannot depend on itself", ErrInvalidChallenge)
		}
		if seen[req] {
			continue
		}
		seen[req] = true

		var count int64
		if err := tx.Model(&models.Challenge{}).Where("id = ?", req).Count(&count).Error; err != nil {
			return storageErr("check challenge dependency", err)
		}
		if count == 0 {
			return fmt.Errorf("%w: dependency %s does not exist", ErrInvalidChallenge, req)
		}
		dep := models.ChallengeDependency{ChallengeID: challengeID, RequiredChallengeID: req}
		if err := tx.Create(&dep).Error; err != nil {
			return storageErr("create challenge dependency", err)
		}
	}
	return nil
}

// Customer views

type ChallengeWithProgress struct {
	models.Challenge
	CurrentProgress int64      `json:"current_progress"`
	IsCompleted     bool       `json:"is_completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	RewardClaimed   bool       `json:"reward_claimed"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	Percent         int        `json:"percent"`
}

// ActiveWithProgress lists the challenges open now with the customer's
// progress on each.
func (t *ChallengeTracker) ActiveWithProgress(ctx context.Context, customerID uuid.UUID) ([]ChallengeWithProgress, error) {
	challenges, err := t.Active(ctx, t.now())
	if err != nil {
		return nil, err
	}
	if len(challenges) == 0 {
		return []ChallengeWithProgress{}, nil
	}

	ids := make([]uuid.UUID, 0, len(challenges))
	for _, ch := range challenges {
		ids = append(ids, ch.ID)
	}
	var rows []models.ChallengeProgress
	if err := t.db.WithContext(ctx).
		Where("customer_id = ? AND challenge_id IN ?", customerID, ids).
		Find(&rows).Error; err != nil {
		return nil, storageErr("load challenge progress", err)
	}
	byChallenge := make(map[uuid.UUID]models.ChallengeProgress, len(rows))
	for _, p := range rows {
		byChallenge[p.ChallengeID] = p
	}

	out := make([]ChallengeWithProgress, 0, len(challenges))
	for _, ch := range challenges {
		var row *models.ChallengeProgress
		if p, ok := byChallenge[ch.ID]; ok {
			row = &p
		}
		out = append(out, progressView(ch, row))
	}
	return out, nil
}

// ProgressFor returns the customer's progress on one challenge. A customer
// who has not started it gets a zero view.
func (t *ChallengeTracker) ProgressFor(ctx context.Context, customerID, challengeID uuid.UUID) (*ChallengeWithProgress, error) {
	ch, err := t.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	var p models.ChallengeProgress
	err = t.db.WithContext(ctx).
		Where("customer_id = ? AND challenge_id = ?", customerID, challengeID).
		Take(&p).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storageErr("load challenge progress", err)
	}
	var row *models.ChallengeProgress
	if err == nil {
		row = &p
	}
	view := progressView(*ch, row)
	return &view, nil
}

func progressView(ch models.Challenge, p *models.ChallengeProgress) ChallengeWithProgress {
	view := ChallengeWithProgress{Challenge: ch}
	if p != nil {
		view.CurrentProgress = p.CurrentProgress
		view.IsCompleted = p.IsCompleted
		view.CompletedAt = p.CompletedAt
		view.RewardClaimed = p.RewardClaimed
		view.ClaimedAt = p.ClaimedAt
	}
	if ch.TargetValue > 0 {
		view.Percent = int(min(100, view.CurrentProgress*100/ch.TargetValue))
	}
	return view
}

// CustomerProgress lists every progress row the customer has, with the
// challenge attached.
func (t *ChallengeTracker) CustomerProgress(ctx context.Context, customerID uuid.UUID) ([]models.ChallengeProgress, error) {
	var rows []models.ChallengeProgress
	err := t.db.WithContext(ctx).Preload("Challenge").
		Where("customer_id = ?", customerID).
		Order("updated_at DESC").
		Find(&rows).Error
	return rows, storageErr("list customer progress", err)
}

// Claimable lists completed challenges whose reward is still unclaimed.
func (t *ChallengeTracker) Claimable(ctx context.Context, customerID uuid.UUID) ([]models.ChallengeProgress, error) {
	var rows []models.ChallengeProgress
	err := t.db.WithContext(ctx).Preload("Challenge").
		Where("customer_id = ? AND is_completed = ? AND reward_claimed = ?", customerID, true, false).
		Order("completed_at ASC").
		Find(&rows).Error
	return rows, storageErr("list claimable rewards", err)
}

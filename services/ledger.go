package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"loyalty-backend/config"
	"loyalty-backend/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

// engine carries what every per-customer service needs.
type engine struct {
	db     *gorm.DB
	policy *config.PointsPolicy
	locks  *KeyedMutex
	clock  Clock
}

func (e *engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock().UTC()
}

// Now is the ledger's clock reading, used by callers that filter by the
// same notion of the current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// withCustomer runs fn in a transaction while holding the customer's lock.
// Any error from fn rolls the transaction back.
func (e *engine) withCustomer(ctx context.Context, customerID uuid.UUID, op string, fn func(tx *gorm.DB) error) error {
	unlock := e.locks.Lock(customerID)
	defer unlock()

	tx := e.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return storageErr(op+": begin", tx.Error)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return storageErr(op+": commit", err)
	}
	return nil
}

// Ledger is the append-only points log plus the cached account aggregate.
type Ledger struct {
	engine
}

func NewLedger(db *gorm.DB, policy *config.PointsPolicy, locks *KeyedMutex, clock Clock) *Ledger {
	return &Ledger{engine{db: db, policy: policy, locks: locks, clock: clock}}
}

// Credit records an EARN entry expiring after the policy's expiry period.
// A repeated (sourceType, sourceRef) returns the original entry together
// with ErrDuplicateSource.
func (l *Ledger) Credit(ctx context.Context, customerID uuid.UUID, amount int64, sourceType models.SourceType, sourceRef, description string) (*models.PointsTransaction, error) {
	var entry *models.PointsTransaction
	err := l.withCustomer(ctx, customerID, "credit", func(tx *gorm.DB) error {
		var err error
		entry, err = l.creditTx(tx, customerID, amount, sourceType, sourceRef, description)
		return err
	})
	if errors.Is(err, ErrDuplicateSource) {
		return entry, err
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit records a SPEND entry when the balance covers amount.
func (l *Ledger) Debit(ctx context.Context, customerID uuid.UUID, amount int64, sourceType models.SourceType, sourceRef, description string) (*models.PointsTransaction, error) {
	var entry *models.PointsTransaction
	err := l.withCustomer(ctx, customerID, "debit", func(tx *gorm.DB) error {
		var err error
		entry, err = l.debitTx(tx, customerID, amount, sourceType, sourceRef, description)
		return err
	})
	if errors.Is(err, ErrDuplicateSource) {
		return entry, err
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) creditTx(tx *gorm.DB, customerID uuid.UUID, amount int64, sourceType models.SourceType, sourceRef, description string) (*models.PointsTransaction, error) {
	if err := checkEntry(amount, sourceType, sourceRef); err != nil {
		return nil, err
	}

	acct, err := lockAccount(tx, customerID)
	if err != nil {
		return nil, err
	}
	if existing, err := findSource(tx, customerID, sourceType, sourceRef, models.TransactionEarn); err != nil || existing != nil {
		if err != nil {
			return nil, err
		}
		slog.Debug("duplicate credit ignored",
			slog.String("customer_id", customerID.String()),
			slog.String("source_type", string(sourceType)),
			slog.String("source_ref", sourceRef))
		return existing, ErrDuplicateSource
	}

	now := l.now()
	expiresAt := l.policy.ExpiresAt(now)
	entry := &models.PointsTransaction{
		Kind:        models.TransactionEarn,
		Amount:      amount,
		SourceType:  sourceType,
		SourceRef:   sourceRef,
		Description: description,
		ExpiresAt:   &expiresAt,
	}
	if err := appendEntry(tx, acct, entry, "", now); err != nil {
		return nil, err
	}

	if _, err := emitTrigger(tx, customerID, models.EventPointsCredited, "credited:"+entry.ID.String(), PointsCredited{
		CustomerID:    customerID,
		TransactionID: entry.ID,
		Amount:        amount,
		SourceType:    sourceType,
		SourceRef:     sourceRef,
		Balance:       acct.Balance,
		ExpiresAt:     entry.ExpiresAt,
	}, now); err != nil {
		return nil, err
	}

	slog.Info("points credited",
		slog.String("customer_id", customerID.String()),
		slog.Int64("amount", amount),
		slog.String("source_type", string(sourceType)),
		slog.Int64("balance", acct.Balance))
	return entry, nil
}

func (l *Ledger) debitTx(tx *gorm.DB, customerID uuid.UUID, amount int64, sourceType models.SourceType, sourceRef, description string) (*models.PointsTransaction, error) {
	if err := checkEntry(amount, sourceType, sourceRef); err != nil {
		return nil, err
	}

	acct, err := lockAccount(tx, customerID)
	if err != nil {
		return nil, err
	}
	if existing, err := findSource(tx, customerID, sourceType, sourceRef, models.TransactionSpend); err != nil || existing != nil {
		if err != nil {
			return nil, err
		}
		return existing, ErrDuplicateSource
	}
	if acct.Balance < amount {
		return nil, &InsufficientBalanceError{Balance: acct.Balance, Requested: amount}
	}

	now := l.now()
	entry := &models.PointsTransaction{
		Kind:        models.TransactionSpend,
		Amount:      amount,
		SourceType:  sourceType,
		SourceRef:   sourceRef,
		Description: description,
	}
	if err := appendEntry(tx, acct, entry, "", now); err != nil {
		return nil, err
	}

	if _, err := emitTrigger(tx, customerID, models.EventPointsDebited, "debited:"+entry.ID.String(), PointsDebited{
		CustomerID:    customerID,
		TransactionID: entry.ID,
		Kind:          string(entry.Kind),
		Amount:        amount,
		SourceType:    sourceType,
		SourceRef:     sourceRef,
		Balance:       acct.Balance,
	}, now); err != nil {
		return nil, err
	}

	slog.Info("points debited",
		slog.String("customer_id", customerID.String()),
		slog.Int64("amount", amount),
		slog.String("source_ref", sourceRef),
		slog.Int64("balance", acct.Balance))
	return entry, nil
}

// Reverse cancels an EARN or SPEND entry by appending a REVERSE entry.
// Each entry can be reversed once. An EARN whose points already expired
// cannot be reversed.
func (l *Ledger) Reverse(ctx context.Context, transactionID uuid.UUID, reason string) (*models.PointsTransaction, error) {
	var original models.PointsTransaction
	if err := l.db.WithContext(ctx).First(&original, "id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, storageErr("load transaction", err)
	}

	var entry *models.PointsTransaction
	err := l.withCustomer(ctx, original.CustomerID, "reverse", func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, original.CustomerID)
		if err != nil {
			return err
		}

		ref := original.ID.String()
		if existing, err := findSource(tx, original.CustomerID, original.SourceType, ref, models.TransactionReverse); err != nil || existing != nil {
			if err != nil {
				return err
			}
			entry = existing
			return ErrDuplicateSource
		}

		now := l.now()
		entry = &models.PointsTransaction{
			Kind:        models.TransactionReverse,
			Amount:      original.Amount,
			SourceType:  original.SourceType,
			SourceRef:   ref,
			ReversesID:  &original.ID,
			Description: reason,
		}

		switch original.Kind {
		case models.TransactionEarn:
			var expired int64
			if err := tx.Model(&models.PointsTransaction{}).
				Where("lot_id = ? AND kind = ?", original.ID, models.TransactionExpire).
				Count(&expired).Error; err != nil {
				return storageErr("check lot expiry", err)
			}
			if expired > 0 {
				return ErrNotReversible
			}
			if acct.Balance < original.Amount {
				return &InsufficientBalanceError{Balance: acct.Balance, Requested: original.Amount}
			}
			if err := appendEntry(tx, acct, entry, models.TransactionEarn, now); err != nil {
				return err
			}
			_, err = emitTrigger(tx, acct.CustomerID, models.EventPointsDebited, "debited:"+entry.ID.String(), PointsDebited{
				CustomerID:    acct.CustomerID,
				TransactionID: entry.ID,
				Kind:          string(entry.Kind),
				Amount:        entry.Amount,
				SourceType:    entry.SourceType,
				SourceRef:     entry.SourceRef,
				Balance:       acct.Balance,
			}, now)
			return err

		case models.TransactionSpend:
			replay, err := replayTx(tx, acct.CustomerID)
			if err != nil {
				return err
			}
			expiresAt, ok := replay.RestoredExpiry(original.ID)
			if !ok {
				expiresAt = l.policy.ExpiresAt(now)
			}
			entry.ExpiresAt = &expiresAt
			if err := appendEntry(tx, acct, entry, models.TransactionSpend, now); err != nil {
				return err
			}
			_, err = emitTrigger(tx, acct.CustomerID, models.EventPointsCredited, "credited:"+entry.ID.String(), PointsCredited{
				CustomerID:    acct.CustomerID,
				TransactionID: entry.ID,
				Amount:        entry.Amount,
				SourceType:    entry.SourceType,
				SourceRef:     entry.SourceRef,
				Balance:       acct.Balance,
				ExpiresAt:     entry.ExpiresAt,
			}, now)
			return err
		}
		return ErrNotReversible
	})
	if errors.Is(err, ErrDuplicateSource) {
		return entry, err
	}
	if err != nil {
		return nil, err
	}

	slog.Info("transaction reversed",
		slog.String("customer_id", original.CustomerID.String()),
		slog.String("transaction_id", original.ID.String()),
		slog.Int64("amount", original.Amount))
	return entry, nil
}

// Account returns the cached aggregate. A customer with no history gets a
// zero account that is not persisted.
func (l *Ledger) Account(ctx context.Context, customerID uuid.UUID) (*models.PointsAccount, error) {
	var acct models.PointsAccount
	err := l.db.WithContext(ctx).First(&acct, "customer_id = ?", customerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.PointsAccount{CustomerID: customerID}, nil
	}
	if err != nil {
		return nil, storageErr("load account", err)
	}
	return &acct, nil
}

func (l *Ledger) Balance(ctx context.Context, customerID uuid.UUID) (int64, error) {
	acct, err := l.Account(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History pages through a customer's entries, newest first.
func (l *Ledger) History(ctx context.Context, customerID uuid.UUID, page, limit int) ([]models.PointsTransaction, int64, error) {
	query := l.db.WithContext(ctx).Model(&models.PointsTransaction{}).Where("customer_id = ?", customerID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storageErr("count transactions", err)
	}

	var entries []models.PointsTransaction
	if err := query.Order("sequence DESC").Offset((page - 1) * limit).Limit(limit).Find(&entries).Error; err != nil {
		return nil, 0, storageErr("list transactions", err)
	}
	return entries, total, nil
}

// Replay rebuilds the account state from the log without touching the
// cached aggregate.
func (l *Ledger) Replay(ctx context.Context, customerID uuid.UUID) (*Replay, error) {
	return replayTx(l.db.WithContext(ctx), customerID)
}

type Wallet struct {
	CustomerID   uuid.UUID  `json:"customer_id"`
	Balance      int64      `json:"balance"`
	BalanceValue int64      `json:"balance_value"`
	TotalEarned  int64      `json:"total_earned"`
	TotalSpent   int64      `json:"total_spent"`
	TotalExpired int64      `json:"total_expired"`
	ExpiringSoon int64      `json:"expiring_soon"`
	NextExpiry   *time.Time `json:"next_expiry,omitempty"`
}

// Wallet summarises the account for display, including points that lapse
// within the expiring-soon window.
func (l *Ledger) Wallet(ctx context.Context, customerID uuid.UUID) (*Wallet, error) {
	acct, err := l.Account(ctx, customerID)
	if err != nil {
		return nil, err
	}
	w := &Wallet{
		CustomerID:   customerID,
		Balance:      acct.Balance,
		BalanceValue: acct.Balance * l.policy.ValuePerPoint,
		TotalEarned:  acct.TotalEarned,
		TotalSpent:   acct.TotalSpent,
		TotalExpired: acct.TotalExpired,
	}
	if acct.LastSequence == 0 {
		return w, nil
	}

	replay, err := l.Replay(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for _, lot := range replay.ExpiringWithin(l.now(), l.policy.ExpiringSoonWindow()) {
		w.ExpiringSoon += lot.Remaining
	}
	for _, lot := range replay.Lots() {
		if !lot.ExpiresAt.IsZero() {
			next := lot.ExpiresAt
			w.NextExpiry = &next
			break
		}
	}
	return w, nil
}

type ReconcileReport struct {
	CustomerID uuid.UUID `json:"customer_id"`
	Cached     Totals    `json:"cached"`
	Replayed   Totals    `json:"replayed"`
	Consistent bool      `json:"consistent"`
	Repaired   bool      `json:"repaired"`
}

type Totals struct {
	Balance      int64 `json:"balance"`
	TotalEarned  int64 `json:"total_earned"`
	TotalSpent   int64 `json:"total_spent"`
	TotalExpired int64 `json:"total_expired"`
	LastSequence int64 `json:"last_sequence"`
}

// Reconcile compares the cached aggregate against a full replay and, when
// repair is set, overwrites the cache with the replayed values.
func (l *Ledger) Reconcile(ctx context.Context, customerID uuid.UUID, repair bool) (*ReconcileReport, error) {
	report := &ReconcileReport{CustomerID: customerID}
	err := l.withCustomer(ctx, customerID, "reconcile", func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, customerID)
		if err != nil {
			return err
		}
		replay, err := replayTx(tx, customerID)
		if err != nil {
			return err
		}

		report.Cached = Totals{acct.Balance, acct.TotalEarned, acct.TotalSpent, acct.TotalExpired, acct.LastSequence}
		report.Replayed = Totals{replay.Balance(), replay.Earned, replay.Spent, replay.Expired, replay.LastSequence}
		report.Consistent = report.Cached == report.Replayed
		if report.Consistent || !repair {
			return nil
		}

		acct.Balance = replay.Balance()
		acct.TotalEarned = replay.Earned
		acct.TotalSpent = replay.Spent
		acct.TotalExpired = replay.Expired
		acct.LastSequence = replay.LastSequence
		acct.UpdatedAt = l.now()
		if err := tx.Save(acct).Error; err != nil {
			return storageErr("repair account", err)
		}
		report.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		slog.Warn("points account drift detected",
			slog.String("customer_id", customerID.String()),
			slog.Int64("cached_balance", report.Cached.Balance),
			slog.Int64("replayed_balance", report.Replayed.Balance),
			slog.Bool("repaired", report.Repaired))
	}
	return report, nil
}

// ExpireDue appends EXPIRE entries for every lot whose expiry is at or
// before now, capped at the unspent remainder. Running it again is a no-op.
func (l *Ledger) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	customers, err := l.dueCustomers(ctx, now.UTC())
	if err != nil {
		return 0, err
	}

	return l.sweep(customers, func(customerID uuid.UUID) (int, error) {
		return l.expireCustomer(ctx, customerID, now.UTC())
	})
}

// dueCustomers lists customers holding points with a lot that lapsed since
// their last expiry pass. A restored lot written after the pass counts even
// when its expiry is older.
func (l *Ledger) dueCustomers(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var customers []uuid.UUID
	err := l.db.WithContext(ctx).Table("points_transactions t").
		Joins("JOIN points_accounts a ON a.customer_id = t.customer_id").
		Where("a.balance > 0").
		Where("t.expires_at IS NOT NULL AND t.expires_at <= ?", now).
		Where("t.kind IN ?", []models.TransactionKind{models.TransactionEarn, models.TransactionReverse}).
		Where("(a.expiry_swept_at IS NULL OR t.expires_at > a.expiry_swept_at OR t.created_at >= a.expiry_swept_at)").
		Distinct("t.customer_id").
		Pluck("t.customer_id", &customers).Error
	if err != nil {
		return nil, storageErr("find expiring customers", err)
	}
	return customers, nil
}

func (l *Ledger) expireCustomer(ctx context.Context, customerID uuid.UUID, now time.Time) (int, error) {
	count := 0
	err := l.withCustomer(ctx, customerID, "expire", func(tx *gorm.DB) error {
		acct, err := lockAccount(tx, customerID)
		if err != nil {
			return err
		}
		log, err := loadLog(tx, customerID)
		if err != nil {
			return err
		}
		replay := ReplayTransactions(log)
		sources := make(map[uuid.UUID]models.SourceType, len(log))
		for _, t := range log {
			sources[t.ID] = t.SourceType
		}

		for _, lot := range replay.DueLots(now) {
			lotID := lot.ID
			entry := &models.PointsTransaction{
				Kind:        models.TransactionExpire,
				Amount:      lot.Remaining,
				SourceType:  sources[lot.ID],
				SourceRef:   lot.ID.String(),
				LotID:       &lotID,
				Description: "Points expired",
			}
			if err := appendEntry(tx, acct, entry, "", now); err != nil {
				return err
			}
			count++
		}
		if err := tx.Model(acct).UpdateColumn("expiry_swept_at", now).Error; err != nil {
			return storageErr("mark expiry pass", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		slog.Info("points expired", slog.String("customer_id", customerID.String()), slog.Int("entries", count))
	}
	return count, nil
}

// NotifyExpiringSoon writes one PointsExpiringSoon trigger per lot that
// lapses within the policy window. Lots already announced are skipped.
func (l *Ledger) NotifyExpiringSoon(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var customers []uuid.UUID
	err := l.db.WithContext(ctx).Model(&models.PointsTransaction{}).
		Where("expires_at > ? AND expires_at <= ?", now, now.Add(l.policy.ExpiringSoonWindow())).
		Where("kind IN ?", []models.TransactionKind{models.TransactionEarn, models.TransactionReverse}).
		Distinct("customer_id").
		Pluck("customer_id", &customers).Error
	if err != nil {
		return 0, storageErr("find customers with expiring points", err)
	}

	return l.sweep(customers, func(customerID uuid.UUID) (int, error) {
		count := 0
		err := l.withCustomer(ctx, customerID, "notify expiring", func(tx *gorm.DB) error {
			replay, err := replayTx(tx, customerID)
			if err != nil {
				return err
			}
			for _, lot := range replay.ExpiringWithin(now, l.policy.ExpiringSoonWindow()) {
				created, err := emitTrigger(tx, customerID, models.EventPointsExpiringSoon, "expiring-soon:"+lot.ID.String(), PointsExpiringSoon{
					CustomerID: customerID,
					LotID:      lot.ID,
					Amount:     lot.Remaining,
					ExpiresAt:  lot.ExpiresAt,
				}, now)
				if err != nil {
					return err
				}
				if created {
					count++
				}
			}
			return nil
		})
		return count, err
	})
}

// sweep runs fn for each customer with bounded concurrency. A failing
// customer does not stop the others; all failures are returned joined.
func (l *Ledger) sweep(customers []uuid.UUID, fn func(uuid.UUID) (int, error)) (int, error) {
	var (
		g     errgroup.Group
		total = make(chan int, len(customers))
		errs  = make(chan error, len(customers))
	)
	g.SetLimit(l.policy.SweepConcurrency)
	for _, customerID := range customers {
		g.Go(func() error {
			n, err := fn(customerID)
			if err != nil {
				slog.Error("sweep failed for customer", slog.String("customer_id", customerID.String()), slog.String("error", err.Error()))
				errs <- err
				return nil
			}
			total <- n
			return nil
		})
	}
	_ = g.Wait()
	close(total)
	close(errs)

	sum := 0
	for n := range total {
		sum += n
	}
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return sum, errors.Join(all...)
}

func checkEntry(amount int64, sourceType models.SourceType, sourceRef string) error {
	switch {
	case amount <= 0:
		return ErrInvalidAmount
	case !sourceType.IsValid():
		return ErrInvalidSourceType
	case sourceRef == "":
		return ErrMissingSourceRef
	}
	return nil
}

// lockAccount creates the account on first use and row-locks it for the
// rest of the transaction.
func lockAccount(tx *gorm.DB, customerID uuid.UUID) (*models.PointsAccount, error) {
	acct := models.PointsAccount{CustomerID: customerID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
		return nil, storageErr("create account", err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acct, "customer_id = ?", customerID).Error; err != nil {
		return nil, storageErr("lock account", err)
	}
	return &acct, nil
}

func findSource(tx *gorm.DB, customerID uuid.UUID, sourceType models.SourceType, sourceRef string, kind models.TransactionKind) (*models.PointsTransaction, error) {
	var existing models.PointsTransaction
	err := tx.Where("customer_id = ? AND source_type = ? AND source_ref = ? AND kind = ?", customerID, sourceType, sourceRef, kind).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("check source", err)
	}
	return &existing, nil
}

// appendEntry writes entry as the account's next sequence and folds it into
// the cached totals. reversed names the kind a REVERSE entry cancels.
func appendEntry(tx *gorm.DB, acct *models.PointsAccount, entry *models.PointsTransaction, reversed models.TransactionKind, now time.Time) error {
	entry.CustomerID = acct.CustomerID
	entry.Sequence = acct.LastSequence + 1
	entry.CreatedAt = now
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateSource
		}
		return storageErr("append transaction", err)
	}

	switch entry.Kind {
	case models.TransactionEarn:
		acct.TotalEarned += entry.Amount
	case models.TransactionSpend:
		acct.TotalSpent += entry.Amount
	case models.TransactionExpire:
		acct.TotalExpired += entry.Amount
	case models.TransactionReverse:
		switch reversed {
		case models.TransactionEarn:
			acct.TotalEarned -= entry.Amount
		case models.TransactionSpend:
			acct.TotalSpent -= entry.Amount
		}
	}
	acct.Balance = acct.TotalEarned - acct.TotalSpent - acct.TotalExpired
	acct.LastSequence = entry.Sequence
	acct.UpdatedAt = now
	if err := tx.Save(acct).Error; err != nil {
		return storageErr("update account", err)
	}
	return nil
}

func loadLog(tx *gorm.DB, customerID uuid.UUID) ([]models.PointsTransaction, error) {
	var log []models.PointsTransaction
	if err := tx.Where("customer_id = ?", customerID).Order("sequence ASC").Find(&log).Error; err != nil {
		return nil, storageErr("load ledger", err)
	}
	return log, nil
}

func replayTx(tx *gorm.DB, customerID uuid.UUID) (*Replay, error) {
	log, err := loadLog(tx, customerID)
	if err != nil {
		return nil, err
	}
	return ReplayTransactions(log), nil
}

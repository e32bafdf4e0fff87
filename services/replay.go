package services

import (
	"sort"
	"time"

	"loyalty-backend/models"

	"github.com/google/uuid"
)

// Lot is an open parcel of earned points that has not been spent or
// expired yet.
type Lot struct {
	ID        uuid.UUID
	Remaining int64
	ExpiresAt time.Time
	seq       int64
}

type lotDraw struct {
	lotID     uuid.UUID
	amount    int64
	expiresAt time.Time
}

// Replay is the state rebuilt from an account's transaction log.
type Replay struct {
	Earned       int64
	Spent        int64
	Expired      int64
	LastSequence int64

	lots  []*Lot
	kinds map[uuid.UUID]models.TransactionKind
	draws map[uuid.UUID][]lotDraw
}

// ReplayTransactions folds a log in sequence order. Spends draw from the
// lots closest to expiry first.
func ReplayTransactions(log []models.PointsTransaction) *Replay {
	entries := make([]models.PointsTransaction, len(log))
	copy(entries, log)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	r := &Replay{
		kinds: make(map[uuid.UUID]models.TransactionKind, len(entries)),
		draws: make(map[uuid.UUID][]lotDraw),
	}
	for i := range entries {
		r.apply(&entries[i])
	}
	return r
}

func (r *Replay) apply(t *models.PointsTransaction) {
	r.kinds[t.ID] = t.Kind
	if t.Sequence > r.LastSequence {
		r.LastSequence = t.Sequence
	}

	switch t.Kind {
	case models.TransactionEarn:
		r.Earned += t.Amount
		r.addLot(t.ID, t.Amount, t.ExpiresAt, t.Sequence)

	case models.TransactionSpend:
		r.Spent += t.Amount
		r.draws[t.ID] = r.drain(t.Amount)

	case models.TransactionExpire:
		r.Expired += t.Amount
		if t.LotID != nil {
			r.closeLot(*t.LotID)
		}

	case models.TransactionReverse:
		if t.ReversesID == nil {
			return
		}
		switch r.kinds[*t.ReversesID] {
		case models.TransactionEarn:
			r.Earned -= t.Amount
			rest := r.takeFromLot(*t.ReversesID, t.Amount)
			r.drain(rest)
		case models.TransactionSpend:
			r.Spent -= t.Amount
			r.addLot(t.ID, t.Amount, t.ExpiresAt, t.Sequence)
		}
	}
}

func (r *Replay) Balance() int64 {
	return r.Earned - r.Spent - r.Expired
}

// Lots returns the open lots, soonest expiry first.
func (r *Replay) Lots() []Lot {
	out := make([]Lot, 0, len(r.lots))
	for _, l := range r.lots {
		out = append(out, *l)
	}
	return out
}

// DueLots returns open lots whose expiry is at or before now.
func (r *Replay) DueLots(now time.Time) []Lot {
	var out []Lot
	for _, l := range r.lots {
		if !l.ExpiresAt.IsZero() && !l.ExpiresAt.After(now) && l.Remaining > 0 {
			out = append(out, *l)
		}
	}
	return out
}

// ExpiringWithin returns open lots expiring in (now, now+window].
func (r *Replay) ExpiringWithin(now time.Time, window time.Duration) []Lot {
	limit := now.Add(window)
	var out []Lot
	for _, l := range r.lots {
		if l.Remaining > 0 && l.ExpiresAt.After(now) && !l.ExpiresAt.After(limit) {
			out = append(out, *l)
		}
	}
	return out
}

// RestoredExpiry is the expiry given back to points returned by reversing
// spendID: the latest expiry among the lots the spend drew from.
func (r *Replay) RestoredExpiry(spendID uuid.UUID) (time.Time, bool) {
	draws, ok := r.draws[spendID]
	if !ok || len(draws) == 0 {
		return time.Time{}, false
	}
	var latest time.Time
	for _, d := range draws {
		if d.expiresAt.After(latest) {
			latest = d.expiresAt
		}
	}
	return latest, !latest.IsZero()
}

func (r *Replay) addLot(id uuid.UUID, amount int64, expiresAt *time.Time, seq int64) {
	l := &Lot{ID: id, Remaining: amount, seq: seq}
	if expiresAt != nil {
		l.ExpiresAt = expiresAt.UTC()
	}
	idx := sort.Search(len(r.lots), func(i int) bool { return lotBefore(l, r.lots[i]) })
	r.lots = append(r.lots, nil)
	copy(r.lots[idx+1:], r.lots[idx:])
	r.lots[idx] = l
}

// lotBefore orders lots by expiry, lots without expiry last, ties by age.
func lotBefore(a, b *Lot) bool {
	switch {
	case a.ExpiresAt.IsZero() != b.ExpiresAt.IsZero():
		return !a.ExpiresAt.IsZero()
	case !a.ExpiresAt.Equal(b.ExpiresAt):
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	return a.seq < b.seq
}

func (r *Replay) drain(amount int64) []lotDraw {
	var draws []lotDraw
	for amount > 0 && len(r.lots) > 0 {
		l := r.lots[0]
		take := min(amount, l.Remaining)
		l.Remaining -= take
		amount -= take
		draws = append(draws, lotDraw{lotID: l.ID, amount: take, expiresAt: l.ExpiresAt})
		if l.Remaining == 0 {
			r.lots = r.lots[1:]
		}
	}
	return draws
}

func (r *Replay) takeFromLot(id uuid.UUID, amount int64) int64 {
	for i, l := range r.lots {
		if l.ID != id {
			continue
		}
		take := min(amount, l.Remaining)
		l.Remaining -= take
		if l.Remaining == 0 {
			r.lots = append(r.lots[:i], r.lots[i+1:]...)
		}
		return amount - take
	}
	return amount
}

func (r *Replay) closeLot(id uuid.UUID) {
	for i, l := range r.lots {
		if l.ID == id {
			r.lots = append(r.lots[:i], r.lots[i+1:]...)
			return
		}
	}
}

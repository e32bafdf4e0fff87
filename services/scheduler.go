package services

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweepReport is the outcome of one expiry sweep.
type SweepReport struct {
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Expired         int       `json:"expired"`
	ExpiringSoon    int       `json:"expiring_soon"`
	CustomersFailed bool      `json:"customers_failed"`
}

// ExpiryWorker runs the expiry sweep and the expiring-soon notification
// sweep on a fixed interval.
type ExpiryWorker struct {
	ledger   *Ledger
	interval time.Duration
}

func NewExpiryWorker(ledger *Ledger) *ExpiryWorker {
	return &ExpiryWorker{ledger: ledger, interval: ledger.policy.SweepInterval()}
}

// Start blocks until ctx is cancelled, sweeping once immediately and then
// every interval.
func (w *ExpiryWorker) Start(ctx context.Context) {
	slog.Info("expiry worker started", slog.Duration("interval", w.interval))

	w.runLogged(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry worker stopped")
			return
		case <-ticker.C:
			w.runLogged(ctx)
		}
	}
}

func (w *ExpiryWorker) runLogged(ctx context.Context) {
	report, err := w.RunOnce(ctx)
	if err != nil {
		slog.Error("expiry sweep finished with errors", slog.String("error", err.Error()))
	}
	if report != nil {
		slog.Info("expiry sweep finished",
			slog.Int("expired", report.Expired),
			slog.Int("expiring_soon", report.ExpiringSoon),
			slog.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	}
}

// RunOnce expires due lots, then announces lots expiring soon. Per-customer
// failures are reported but do not stop the sweep.
func (w *ExpiryWorker) RunOnce(ctx context.Context) (*SweepReport, error) {
	now := w.ledger.now()
	report := &SweepReport{StartedAt: now}

	expired, expireErr := w.ledger.ExpireDue(ctx, now)
	report.Expired = expired
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	soon, notifyErr := w.ledger.NotifyExpiringSoon(ctx, now)
	report.ExpiringSoon = soon

	err := errors.Join(expireErr, notifyErr)
	report.CustomersFailed = err != nil
	report.FinishedAt = w.ledger.now()
	return report, err
}

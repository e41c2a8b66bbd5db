package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LedgerMonitor reports ledger entries stuck in pending. Such entries mean the
// process died or a terminal ledger write failed between apply and finish.
type LedgerMonitor struct {
	ledger     StaleLedger
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
	interval   time.Duration
}

// NewLedgerMonitor creates a new LedgerMonitor
func NewLedgerMonitor(ledger StaleLedger, staleAfter, interval time.Duration, logger *slog.Logger) *LedgerMonitor {
	return &LedgerMonitor{
		ledger:     ledger,
		logger:     logger,
		now:        time.Now,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// Run checks the ledger every interval until ctx is cancelled.
func (m *LedgerMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.logger.ErrorContext(ctx, "Ledger check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Check logs a warning when stale pending entries exist and returns their number.
func (m *LedgerMonitor) Check(ctx context.Context) (int, error) {
	entries, err := m.ledger.ListStalePending(ctx, m.now().Add(-m.staleAfter), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale ledger entries: %w", err)
	}

	if len(entries) > 0 {
		oldest := entries[0]
		m.logger.WarnContext(ctx, "Stale pending ledger entries",
			slog.Int("count", len(entries)),
			slog.String("oldest_ledger_id", oldest.ID),
			slog.String("oldest_change_id", oldest.ChangeID),
			slog.Time("oldest_created_at", oldest.CreatedAt),
		)
	}

	return len(entries), nil
}

// StaleCount returns the number of the user's stale pending entries without
// logging. An empty deviceID counts all of the user's devices.
func (m *LedgerMonitor) StaleCount(ctx context.Context, userID, deviceID string) (int, error) {
	count, err := m.ledger.CountStalePending(ctx, m.now().Add(-m.staleAfter), userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale ledger entries: %w", err)
	}
	return count, nil
}

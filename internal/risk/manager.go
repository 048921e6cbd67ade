// Package risk enforces the one portfolio-level limit in scope: a daily
// realized-loss cap. Crossing it halts new entries engine-wide while still
// allowing exits, unwinds, and TP cancellations to proceed (§6).
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/internal/config"
)

// PositionReport is sent by the engine whenever a trade realizes PnL.
type PositionReport struct {
	MarketID    string
	RealizedPnL decimal.Decimal
	Timestamp   time.Time
}

// Manager aggregates realized PnL across all markets and flips to the
// halted state once the daily loss limit is crossed.
type Manager struct {
	cfg    config.RiskConfig
	limit  decimal.Decimal
	logger *slog.Logger

	mu               sync.RWMutex
	totalRealizedPnL decimal.Decimal
	halted           bool
	haltedReason     string

	reportCh chan PositionReport
}

// NewManager creates a risk manager from config. An unparsable or empty
// DailyLossLimit disables the check (limit treated as unbounded).
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	limit, err := decimal.NewFromString(cfg.DailyLossLimit)
	if err != nil {
		limit = decimal.Zero
	}
	return &Manager{
		cfg:      cfg,
		limit:    limit,
		logger:   logger.With("component", "risk"),
		reportCh: make(chan PositionReport, 100),
	}
}

// Run consumes position reports until ctx is cancelled.
func (rm *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		}
	}
}

// Report submits a realized-PnL event (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report", "market", report.MarketID)
	}
}

// IsHalted reports whether the daily loss limit has been breached. While
// halted, the engine refuses new ENTER_*/high-scalp entries but continues
// to dispatch EXIT_MARKET, FORCE_UNWIND, and PLACE_TP_LIMIT signals.
func (rm *Manager) IsHalted() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.halted
}

// TotalRealizedPnL returns the running realized PnL for the current day.
func (rm *Manager) TotalRealizedPnL() decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.totalRealizedPnL
}

// ResetDaily clears the realized PnL accumulator and lifts any halt. Meant
// to be called once per UTC day by the engine's housekeeping tick.
func (rm *Manager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.totalRealizedPnL = decimal.Zero
	rm.halted = false
	rm.haltedReason = ""
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.totalRealizedPnL = rm.totalRealizedPnL.Add(report.RealizedPnL)

	if rm.limit.IsZero() || rm.halted {
		return
	}
	if rm.totalRealizedPnL.LessThan(rm.limit.Neg()) {
		rm.halted = true
		rm.haltedReason = "daily loss limit breached"
		rm.logger.Error("risk halt", "reason", rm.haltedReason, "total_realized_pnl", rm.totalRealizedPnL, "limit", rm.limit)
	}
}

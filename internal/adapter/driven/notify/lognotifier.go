// Package notify contains Notifier adapters.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Notifier = (*LogNotifier)(nil)

// LogNotifier writes scheduler events to a structured logger and keeps the
// latest of each for status reporting.
type LogNotifier struct {
	logger *slog.Logger

	mu           sync.RWMutex
	lastSnapshot *model.RateLimitSnapshot
	lastTick     *model.TickReport
	reauthReason string
	reauthAt     time.Time
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// RateLimitUpdated records the snapshot. Only exhaustion is logged above
// debug since every call produces one.
func (n *LogNotifier) RateLimitUpdated(snap model.RateLimitSnapshot) {
	n.mu.Lock()
	n.lastSnapshot = &snap
	n.mu.Unlock()

	level := slog.LevelDebug
	if snap.Exhausted() {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "rate limit updated",
		"limit", snap.Limit,
		"used", snap.Used,
		"reset_at", snap.ResetAt,
		"confidence", string(snap.Confidence),
	)
}

// TickCompleted records the tick report.
func (n *LogNotifier) TickCompleted(report model.TickReport) {
	n.mu.Lock()
	n.lastTick = &report
	n.mu.Unlock()

	n.logger.Debug("tick completed",
		"call_type", string(report.CallType),
		"outcome", report.Outcome.String(),
		"calls", report.Calls,
		"next_due_at", report.NextDueAt,
	)
}

// ReauthorizationRequired records the reason and logs it as an error: no
// polling succeeds until the user completes device authorization.
func (n *LogNotifier) ReauthorizationRequired(reason string) {
	n.mu.Lock()
	n.reauthReason = reason
	n.reauthAt = time.Now()
	n.mu.Unlock()

	n.logger.Error("reauthorization required", "reason", reason)
}

// LastSnapshot returns the most recent rate-limit snapshot, if any.
func (n *LogNotifier) LastSnapshot() (model.RateLimitSnapshot, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.lastSnapshot == nil {
		return model.RateLimitSnapshot{}, false
	}
	return *n.lastSnapshot, true
}

// LastTick returns the most recent tick report, if any.
func (n *LogNotifier) LastTick() (model.TickReport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.lastTick == nil {
		return model.TickReport{}, false
	}
	return *n.lastTick, true
}

// Reauthorization returns the last reauthorization reason and when it was
// raised, or an empty reason if none was.
func (n *LogNotifier) Reauthorization() (string, time.Time) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reauthReason, n.reauthAt
}

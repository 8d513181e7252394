package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

const (
	// MaxRetentionDays is the longest history the ledger will keep.
	MaxRetentionDays = 365
	// DefaultRetentionDays is the retention used when none is configured.
	DefaultRetentionDays = 7
)

// quotaWindow is the rolling window the daily quota is measured over.
const quotaWindow = 24 * time.Hour

// retentionRecord is a retention set at runtime. Configured is the configured
// retention it overrode; once the configuration changes the record is stale.
type retentionRecord struct {
	Days       int `json:"days"`
	Configured int `json:"configured"`
}

// Ledger is the append-only call history. Records are kept in insertion order
// and pruned by the retention horizon. With retention 0 nothing is persisted
// or returned by Recent, but the trailing quota window stays in memory so the
// rate-limit estimator can still fall back on it.
type Ledger struct {
	mu            sync.Mutex
	store         driven.BlobStore
	records       []model.CallRecord
	retentionDays int
	configured    int
	dirty         bool
	now           func() time.Time
}

// NewLedger creates a Ledger persisting to store. retentionDays is clamped to
// [0, MaxRetentionDays].
func NewLedger(store driven.BlobStore, retentionDays int) *Ledger {
	days := clampRetention(retentionDays)
	return &Ledger{
		store:         store,
		retentionDays: days,
		configured:    days,
		now:           time.Now,
	}
}

// Load restores a retention set at runtime, then replaces the in-memory
// records with the persisted ledger and prunes anything outside the horizon.
// A runtime retention is kept until the configured retention changes.
func (l *Ledger) Load(ctx context.Context) error {
	if err := l.loadRetention(ctx); err != nil {
		return err
	}

	data, err := l.store.Get(ctx, driven.BlobLedger)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	var records []model.CallRecord
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("decode ledger: %w", err)
		}
	}

	l.mu.Lock()
	l.records = records
	l.pruneLocked(l.now().Add(-l.horizonLocked()))
	l.mu.Unlock()

	slog.Debug("ledger loaded", "records", len(records))
	return nil
}

// Append adds rec to the end of the ledger. A zero Timestamp is stamped with
// the current time.
func (l *Ledger) Append(rec model.CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	l.records = append(l.records, rec)
	l.dirty = true
}

// Recent returns the records newer than now-window, oldest first. The window
// is clamped to the retention horizon.
func (l *Ledger) Recent(window time.Duration) []model.CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	retention := time.Duration(l.retentionDays) * 24 * time.Hour
	if window > retention {
		window = retention
	}
	if window <= 0 {
		return []model.CallRecord{}
	}
	return l.sinceLocked(l.now().Add(-window))
}

// Counts returns the number of records per call type within window.
func (l *Ledger) Counts(window time.Duration) map[model.CallType]int {
	counts := make(map[model.CallType]int)
	for _, rec := range l.Recent(window) {
		counts[rec.CallType]++
	}
	return counts
}

// OldestQuotaCallSince returns the timestamp of the oldest quota-billed call
// at or after since.
func (l *Ledger) OldestQuotaCallSince(since time.Time) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.Timestamp.Before(since) || !rec.CallType.CountsAgainstQuota() {
			continue
		}
		return rec.Timestamp, true
	}
	return time.Time{}, false
}

// Prune removes records older than olderThan and returns how many were dropped.
func (l *Ledger) Prune(olderThan time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(olderThan)
}

// PruneExpired drops everything outside the current retention horizon.
func (l *Ledger) PruneExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(l.now().Add(-l.horizonLocked()))
}

// RetentionDays returns the configured retention.
func (l *Ledger) RetentionDays() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retentionDays
}

// SetRetention changes the retention horizon, prunes immediately and persists
// both the setting and the pruned ledger.
func (l *Ledger) SetRetention(ctx context.Context, days int) error {
	if days < 0 || days > MaxRetentionDays {
		return fmt.Errorf("retention must be between 0 and %d days, got %d", MaxRetentionDays, days)
	}

	l.mu.Lock()
	l.retentionDays = days
	pruned := l.pruneLocked(l.now().Add(-l.horizonLocked()))
	l.dirty = true
	rec := retentionRecord{Days: days, Configured: l.configured}
	l.mu.Unlock()

	slog.Info("ledger retention changed", "retention_days", days, "pruned", pruned)

	if days == rec.Configured {
		if err := l.store.Delete(ctx, driven.BlobRetention); err != nil {
			return fmt.Errorf("clear retention: %w", err)
		}
	} else {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode retention: %w", err)
		}
		if err := l.store.Set(ctx, driven.BlobRetention, data); err != nil {
			return fmt.Errorf("persist retention: %w", err)
		}
	}
	return l.Flush(ctx)
}

func (l *Ledger) loadRetention(ctx context.Context) error {
	data, err := l.store.Get(ctx, driven.BlobRetention)
	if err != nil {
		return fmt.Errorf("load retention: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var rec retentionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode retention: %w", err)
	}

	l.mu.Lock()
	stale := rec.Configured != l.configured
	if !stale {
		l.retentionDays = clampRetention(rec.Days)
	}
	l.mu.Unlock()

	if stale {
		slog.Info("configured retention changed, dropping runtime override",
			"configured_days", l.configured,
			"override_days", rec.Days,
		)
		if err := l.store.Delete(ctx, driven.BlobRetention); err != nil {
			return fmt.Errorf("clear retention: %w", err)
		}
		return nil
	}
	slog.Debug("runtime retention restored", "retention_days", rec.Days)
	return nil
}

// Flush persists the ledger if it changed since the last flush.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}

	if l.retentionDays == 0 {
		l.dirty = false
		l.mu.Unlock()
		if err := l.store.Delete(ctx, driven.BlobLedger); err != nil {
			return fmt.Errorf("clear ledger: %w", err)
		}
		return nil
	}

	cutoff := l.now().Add(-time.Duration(l.retentionDays) * 24 * time.Hour)
	data, err := json.Marshal(l.sinceLocked(cutoff))
	l.dirty = false
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := l.store.Set(ctx, driven.BlobLedger, data); err != nil {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// horizonLocked is how far back records are kept in memory.
func (l *Ledger) horizonLocked() time.Duration {
	retention := time.Duration(l.retentionDays) * 24 * time.Hour
	if retention < quotaWindow {
		return quotaWindow
	}
	return retention
}

func (l *Ledger) sinceLocked(cutoff time.Time) []model.CallRecord {
	out := make([]model.CallRecord, 0, len(l.records))
	for _, rec := range l.records {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

func (l *Ledger) pruneLocked(cutoff time.Time) int {
	kept := l.records[:0]
	for _, rec := range l.records {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	pruned := len(l.records) - len(kept)
	// Zero the tail so dropped records can be collected.
	for i := len(kept); i < len(l.records); i++ {
		l.records[i] = model.CallRecord{}
	}
	l.records = kept
	if pruned > 0 {
		l.dirty = true
	}
	return pruned
}

func clampRetention(days int) int {
	switch {
	case days < 0:
		return 0
	case days > MaxRetentionDays:
		return MaxRetentionDays
	default:
		return days
	}
}

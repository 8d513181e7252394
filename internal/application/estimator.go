package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// FloorLimit is the lowest known quota tier, assumed until a limit is observed.
const FloorLimit = 100

// LimitPolicy controls when a lower observed limit replaces the adopted one.
// Increases are always adopted immediately.
type LimitPolicy string

const (
	// LimitPolicyImmediate adopts any changed limit as soon as it is seen.
	LimitPolicyImmediate LimitPolicy = "immediate"
	// LimitPolicyAtRollover defers decreases to the next detected rollover.
	LimitPolicyAtRollover LimitPolicy = "at-rollover"
)

// quotaHistory is the slice of the ledger the estimator falls back on.
type quotaHistory interface {
	OldestQuotaCallSince(since time.Time) (time.Time, bool)
}

// resetInput is everything a reset strategy may look at.
type resetInput struct {
	now     time.Time
	obs     rateLimitObservation
	anchor  time.Time
	history quotaHistory
}

// resetStrategy derives the window reset time; ok=false passes to the next
// strategy in the chain.
type resetStrategy struct {
	confidence model.Confidence
	derive     func(in resetInput) (time.Time, bool)
}

// defaultResetStrategies is the fallback chain, most trustworthy first.
func defaultResetStrategies() []resetStrategy {
	return []resetStrategy{
		{confidence: model.ConfidenceHeaderExact, derive: resetFromHeader},
		{confidence: model.ConfidenceHeaderPartial, derive: resetFromAnchor},
		{confidence: model.ConfidenceEstimated, derive: resetFromLedger},
	}
}

func resetFromHeader(in resetInput) (time.Time, bool) {
	if in.obs.resetAt.IsZero() {
		return time.Time{}, false
	}
	return in.obs.resetAt, true
}

func resetFromAnchor(in resetInput) (time.Time, bool) {
	if in.obs.empty() || in.anchor.IsZero() {
		return time.Time{}, false
	}
	return rollForward(in.anchor.Add(quotaWindow), in.now), true
}

func resetFromLedger(in resetInput) (time.Time, bool) {
	if in.history != nil {
		if oldest, ok := in.history.OldestQuotaCallSince(in.now.Add(-quotaWindow)); ok {
			return oldest.Add(quotaWindow), true
		}
	}
	return in.now.Add(quotaWindow), true
}

// rollForward advances a reset time by whole windows until it lies after now.
func rollForward(t, now time.Time) time.Time {
	if t.After(now) {
		return t
	}
	n := now.Sub(t)/quotaWindow + 1
	return t.Add(n * quotaWindow)
}

// estimatorState is the persisted knowledge of the estimator.
type estimatorState struct {
	Snapshot       model.RateLimitSnapshot `json:"snapshot"`
	Anchor         time.Time               `json:"anchor"`
	KnownLimit     int                     `json:"known_limit"`
	MaxLimit       int                     `json:"max_limit"`
	PendingLimit   int                     `json:"pending_limit,omitempty"`
	LastHeaderUsed int                     `json:"last_header_used"`
	HasHeaderUsed  bool                    `json:"has_header_used"`
}

// Estimator infers the daily quota ceiling, usage and reset time from response
// headers, falling back on the call ledger when headers are missing.
type Estimator struct {
	mu         sync.Mutex
	state      estimatorState
	dirty      bool
	history    quotaHistory
	store      driven.BlobStore
	notifier   driven.Notifier
	policy     LimitPolicy
	strategies []resetStrategy
	now        func() time.Time
}

// NewEstimator creates an Estimator. store and notifier may be nil.
func NewEstimator(history quotaHistory, store driven.BlobStore, notifier driven.Notifier, policy LimitPolicy) *Estimator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if policy == "" {
		policy = LimitPolicyImmediate
	}
	return &Estimator{
		history:    history,
		store:      store,
		notifier:   notifier,
		policy:     policy,
		strategies: defaultResetStrategies(),
		now:        time.Now,
	}
}

// Observe folds the quota headers of one response into the estimate.
func (e *Estimator) Observe(h http.Header) model.RateLimitSnapshot {
	now := e.now()
	obs := parseRateLimitHeaders(h, now)

	e.mu.Lock()
	snap := e.observeLocked(now, obs)
	e.mu.Unlock()

	logQuota(snap)
	e.notifier.RateLimitUpdated(snap)
	return snap
}

// MarkRateLimited records a 429: headers are folded in as usual, then used is
// forced to the limit regardless of what they said.
func (e *Estimator) MarkRateLimited(h http.Header) model.RateLimitSnapshot {
	now := e.now()
	obs := parseRateLimitHeaders(h, now)

	e.mu.Lock()
	snap := e.observeLocked(now, obs)
	snap.Used = snap.Limit
	e.state.Snapshot = snap
	e.mu.Unlock()

	slog.Warn("rate limit exceeded",
		"limit", snap.Limit,
		"reset_at", snap.ResetAt,
		"reset_in", snap.ResetAt.Sub(now).Round(time.Second),
	)
	e.notifier.RateLimitUpdated(snap)
	return snap
}

// Current returns the latest estimate, rolled over if its reset time passed.
func (e *Estimator) Current() model.RateLimitSnapshot {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.state.Snapshot
	if snap.ObservedAt.IsZero() {
		resetAt, _ := resetFromLedger(resetInput{now: now, history: e.history})
		return model.RateLimitSnapshot{
			Limit:      e.fallbackLimitLocked(),
			ResetAt:    resetAt,
			Confidence: model.ConfidenceEstimated,
			ObservedAt: now,
		}
	}

	if !snap.ResetAt.IsZero() && !now.Before(snap.ResetAt) {
		snap.Used = 0
		snap.ResetAt = rollForward(snap.ResetAt, now)
	}
	return snap
}

func (e *Estimator) observeLocked(now time.Time, obs rateLimitObservation) model.RateLimitSnapshot {
	st := &e.state
	prev := st.Snapshot

	used, hasUsed := obs.used, obs.hasUsed
	if !hasUsed && obs.hasRemaining && st.KnownLimit > 0 {
		used, hasUsed = max(st.KnownLimit-obs.remaining, 0), true
	}

	usageDropped := hasUsed && st.HasHeaderUsed && used < st.LastHeaderUsed
	windowElapsed := !prev.ResetAt.IsZero() && !now.Before(prev.ResetAt)
	rollover := usageDropped || windowElapsed

	if rollover {
		st.Anchor = now
		if st.PendingLimit > 0 {
			st.KnownLimit, st.PendingLimit = st.PendingLimit, 0
		}
		slog.Info("rate limit rollover detected", "previous_used", prev.Used, "used", used)
	}
	if st.Anchor.IsZero() && !obs.empty() {
		st.Anchor = now
		if e.history != nil {
			if oldest, ok := e.history.OldestQuotaCallSince(now.Add(-quotaWindow)); ok {
				st.Anchor = oldest
			}
		}
	}

	if obs.hasLimit && obs.limit >= 1 {
		e.adoptLimitLocked(obs.limit, rollover)
	}

	if hasUsed {
		st.LastHeaderUsed, st.HasHeaderUsed = used, true
	} else {
		used = prev.Used
		if windowElapsed {
			used = 0
		}
	}

	in := resetInput{now: now, obs: obs, anchor: st.Anchor, history: e.history}
	var (
		resetAt    time.Time
		confidence model.Confidence
	)
	for _, s := range e.strategies {
		if t, ok := s.derive(in); ok {
			resetAt, confidence = t, s.confidence
			break
		}
	}

	limit := st.KnownLimit
	if limit == 0 || confidence == model.ConfidenceEstimated {
		limit = e.fallbackLimitLocked()
	}

	snap := model.RateLimitSnapshot{
		Limit:      limit,
		Used:       used,
		ResetAt:    resetAt,
		Confidence: confidence,
		ObservedAt: now,
	}
	st.Snapshot = snap
	e.dirty = true
	return snap
}

// adoptLimitLocked applies the limit policy to an observed limit.
func (e *Estimator) adoptLimitLocked(observed int, rollover bool) {
	st := &e.state
	if observed > st.MaxLimit {
		st.MaxLimit = observed
	}

	switch {
	case observed == st.KnownLimit:
		st.PendingLimit = 0
	case st.KnownLimit == 0, observed > st.KnownLimit, rollover, e.policy == LimitPolicyImmediate:
		if st.KnownLimit != 0 {
			slog.Info("rate limit changed", "previous_limit", st.KnownLimit, "limit", observed)
		}
		st.KnownLimit, st.PendingLimit = observed, 0
	default:
		if st.PendingLimit != observed {
			slog.Info("rate limit decrease deferred to rollover", "limit", st.KnownLimit, "observed", observed)
		}
		st.PendingLimit = observed
	}
}

// fallbackLimitLocked is the highest limit ever seen, or the floor tier.
func (e *Estimator) fallbackLimitLocked() int {
	if e.state.MaxLimit > 0 {
		return e.state.MaxLimit
	}
	return FloorLimit
}

// Load restores persisted estimator state.
func (e *Estimator) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	data, err := e.store.Get(ctx, driven.BlobRateLimit)
	if err != nil {
		return fmt.Errorf("load rate limit state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var st estimatorState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode rate limit state: %w", err)
	}

	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
	return nil
}

// Flush persists the estimator state if it changed.
func (e *Estimator) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(e.state)
	e.dirty = false
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode rate limit state: %w", err)
	}
	if err := e.store.Set(ctx, driven.BlobRateLimit, data); err != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return fmt.Errorf("persist rate limit state: %w", err)
	}
	return nil
}

// logQuota logs the quota after each observation and warns when it runs low.
func logQuota(snap model.RateLimitSnapshot) {
	slog.Debug("rate limit observed",
		"limit", snap.Limit,
		"used", snap.Used,
		"remaining", snap.Remaining(),
		"confidence", string(snap.Confidence),
	)

	if snap.Remaining() < snap.Limit/10 {
		slog.Warn("rate limit low",
			"remaining", snap.Remaining(),
			"reset_at", snap.ResetAt,
		)
	}
}

// Package application contains use-case orchestration services.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

const (
	// DefaultSafetyMargin is the quota headroom an immediate refresh must leave.
	DefaultSafetyMargin = 5

	pruneEvery = 24 * time.Hour

	refreshInitialBackOff = 10 * time.Second
	refreshMaxBackOff     = 300 * time.Second
	refreshMaxRetries     = 5
)

var (
	quickResources = []string{"zoneStates", "weather"}
	fullResources  = []string{"zoneStates", "weather", "zones", "mobileDevices"}

	errQuotaGuard = errors.New("quota guard tripped")
)

// homeCaller is the slice of the APIClient the scheduler polls through.
type homeCaller interface {
	HomeCall(ctx context.Context, callType model.CallType, method, resource string, payload any) (*driven.Response, error)
}

// RefreshResult is the answer to an immediate refresh request. Skipped is true
// when the quota guard declined it; that is not an error.
type RefreshResult struct {
	ID      string `json:"id"`
	Skipped bool   `json:"skipped"`
}

// scheduleRecord is the persisted part of the schedule.
type scheduleRecord struct {
	LastFullSync time.Time `json:"last_full_sync"`
	LastPrune    time.Time `json:"last_prune"`
}

// PollService is the adaptive poll scheduler. It runs quick and full syncs on
// a timer whose interval follows the time of day and the quota tier, and
// services immediate refresh requests off the tick loop.
type PollService struct {
	api          homeCaller
	ledger       *Ledger
	estimator    *Estimator
	store        driven.BlobStore
	notifier     driven.Notifier
	policy       PollingPolicy
	safetyMargin int

	now        func() time.Time
	newBackOff func() backoff.BackOff
	newTimer   func() backoff.Timer

	rescheduleCh chan struct{}
	wg           sync.WaitGroup

	mu            sync.Mutex
	state         model.ScheduleState
	lastPrune     time.Time
	running       bool
	loopCtx       context.Context
	cancelPending context.CancelFunc
	generation    uint64
}

// NewPollService creates a PollService. store and notifier may be nil.
func NewPollService(
	api homeCaller,
	ledger *Ledger,
	estimator *Estimator,
	store driven.BlobStore,
	notifier driven.Notifier,
	policy PollingPolicy,
	safetyMargin int,
) *PollService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if safetyMargin < 0 {
		safetyMargin = DefaultSafetyMargin
	}
	return &PollService{
		api:          api,
		ledger:       ledger,
		estimator:    estimator,
		store:        store,
		notifier:     notifier,
		policy:       policy,
		safetyMargin: safetyMargin,
		now:          time.Now,
		newBackOff:   defaultImmediateBackOff,
		newTimer:     func() backoff.Timer { return &realTimer{} },
		rescheduleCh: make(chan struct{}, 1),
	}
}

func defaultImmediateBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = refreshInitialBackOff
	b.Multiplier = 2
	b.MaxInterval = refreshMaxBackOff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, refreshMaxRetries)
}

// Load restores the persisted schedule.
func (s *PollService) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	data, err := s.store.Get(ctx, driven.BlobSchedule)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var rec scheduleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode schedule: %w", err)
	}

	s.mu.Lock()
	s.state.LastFullSync = rec.LastFullSync
	s.lastPrune = rec.LastPrune
	s.mu.Unlock()
	return nil
}

// Start runs the poll loop: an immediate tick, then one tick per computed
// interval. It blocks until ctx is canceled, then waits for any in-flight
// immediate refresh to stop.
func (s *PollService) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.loopCtx = ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		if s.cancelPending != nil {
			s.cancelPending()
		}
		s.mu.Unlock()
		s.wg.Wait()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poll service stopped")
			return
		case <-timer.C:
			timer.Reset(s.tick(ctx))
		case <-s.rescheduleCh:
			if delay, ok := s.stretchAfterRateLimit(); ok {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(delay)
			}
		}
	}
}

// State returns a copy of the current schedule.
func (s *PollService) State() model.ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st.PendingImmediateRefresh != nil {
		req := *st.PendingImmediateRefresh
		st.PendingImmediateRefresh = &req
	}
	return st
}

// SyncOnce runs one sync outside the loop, used by the CLI.
func (s *PollService) SyncOnce(ctx context.Context, full bool) (model.TickReport, error) {
	callType := model.CallTypeQuickSync
	if full {
		callType = model.CallTypeFullSync
	}

	now := s.now()
	calls, err := s.sync(ctx, callType, full)
	if full && err == nil {
		s.mu.Lock()
		s.state.LastFullSync = now
		s.mu.Unlock()
	}
	s.afterSync(ctx)

	return model.TickReport{CallType: callType, Outcome: outcomeFor(err), Calls: calls}, err
}

// tick runs one scheduled sync and returns the delay until the next one.
func (s *PollService) tick(ctx context.Context) time.Duration {
	start := s.now()

	s.mu.Lock()
	full := s.policy.fullSyncDue(start, s.state.LastFullSync)
	s.mu.Unlock()

	callType := model.CallTypeQuickSync
	if full {
		callType = model.CallTypeFullSync
	}

	calls, err := s.sync(ctx, callType, full)
	if err != nil {
		slog.Error("poll tick failed", "call_type", string(callType), "error", err)
	}

	s.mu.Lock()
	if full && err == nil {
		s.state.LastFullSync = start
	}
	s.mu.Unlock()

	s.afterSync(ctx)

	now := s.now()
	snap := s.estimator.Current()
	mode, delay := s.policy.nextDelay(now, snap, IsRateLimited(err))

	s.mu.Lock()
	s.state.Mode = mode
	s.state.Interval = delay
	s.state.NextDueAt = now.Add(delay)
	nextDue := s.state.NextDueAt
	s.mu.Unlock()

	report := model.TickReport{CallType: callType, Outcome: outcomeFor(err), Calls: calls, NextDueAt: nextDue}
	s.notifier.TickCompleted(report)

	slog.Info("poll tick complete",
		"call_type", string(callType),
		"calls", calls,
		"outcome", report.Outcome.String(),
		"mode", string(mode),
		"next_in", delay,
		"remaining", snap.Remaining(),
		"duration", now.Sub(start).Round(time.Millisecond),
	)
	return delay
}

// sync fetches each resource of a quick or full sync and stores the payloads.
// It stops early on rate limiting or a missing credential and returns the first
// error seen together with the number of calls sent.
func (s *PollService) sync(ctx context.Context, callType model.CallType, full bool) (int, error) {
	resources := quickResources
	if full {
		resources = fullResources
	}

	var (
		calls    int
		firstErr error
	)
	for _, resource := range resources {
		if ctx.Err() != nil {
			return calls, ctx.Err()
		}

		resp, err := s.api.HomeCall(ctx, callType, http.MethodGet, resource, nil)
		if sent(err) {
			calls++
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch %s: %w", resource, err)
			}
			if IsRateLimited(err) || !sent(err) {
				break
			}
			continue
		}

		if s.store != nil {
			if err := s.store.Set(ctx, driven.ResourceBlob(resource), resp.Body); err != nil {
				slog.Error("store resource failed", "resource", resource, "error", err)
			}
		}
	}
	return calls, firstErr
}

// sent reports whether a call that returned err actually reached the wire.
func sent(err error) bool {
	if err == nil {
		return true
	}
	var he *HTTPError
	var te *driven.TransportError
	return errors.As(err, &he) || errors.As(err, &te)
}

// afterSync persists the ledger, the estimator and the schedule, and prunes
// the ledger once a day.
func (s *PollService) afterSync(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	prune := now.Sub(s.lastPrune) >= pruneEvery
	if prune {
		s.lastPrune = now
	}
	rec := scheduleRecord{LastFullSync: s.state.LastFullSync, LastPrune: s.lastPrune}
	s.mu.Unlock()

	if prune {
		if n := s.ledger.PruneExpired(); n > 0 {
			slog.Info("ledger pruned", "records", n)
		}
	}

	if err := s.ledger.Flush(ctx); err != nil {
		slog.Error("flush ledger failed", "error", err)
	}
	if err := s.estimator.Flush(ctx); err != nil {
		slog.Error("flush rate limit state failed", "error", err)
	}

	if s.store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("encode schedule failed", "error", err)
		return
	}
	if err := s.store.Set(ctx, driven.BlobSchedule, data); err != nil {
		slog.Error("persist schedule failed", "error", err)
	}
}

// quotaGuardTripped reports whether a quick sync now would eat into the
// safety margin.
func (s *PollService) quotaGuardTripped() (bool, model.RateLimitSnapshot) {
	snap := s.estimator.Current()
	return snap.Limit-snap.Used-len(quickResources) < s.safetyMargin, snap
}

// RequestImmediateRefresh schedules an out-of-band quick sync, typically after
// a user action. It returns at once; the sync runs in the background with
// exponential backoff on transient failures. A newer request cancels an older
// one still backing off.
func (s *PollService) RequestImmediateRefresh(reason string) (RefreshResult, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return RefreshResult{}, ErrNotRunning
	}
	loopCtx := s.loopCtx
	s.mu.Unlock()

	req := model.RefreshRequest{ID: uuid.NewString(), Reason: reason, RequestedAt: s.now()}

	if tripped, snap := s.quotaGuardTripped(); tripped {
		slog.Info("immediate refresh skipped, quota guard tripped",
			"request_id", req.ID,
			"reason", reason,
			"remaining", snap.Remaining(),
			"safety_margin", s.safetyMargin,
			"reset_at", snap.ResetAt,
		)
		return RefreshResult{ID: req.ID, Skipped: true}, nil
	}

	rctx, cancel := context.WithCancel(loopCtx)

	s.mu.Lock()
	// Start may have begun teardown since the first check; its wg.Wait must
	// not race the Add below.
	if !s.running {
		s.mu.Unlock()
		cancel()
		return RefreshResult{}, ErrNotRunning
	}
	if s.cancelPending != nil {
		s.cancelPending()
		if s.state.PendingImmediateRefresh != nil {
			slog.Debug("immediate refresh superseded", "request_id", s.state.PendingImmediateRefresh.ID)
		}
	}
	s.generation++
	gen := s.generation
	s.cancelPending = cancel
	s.state.PendingImmediateRefresh = &req
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runImmediateRefresh(rctx, cancel, req, gen)

	slog.Info("immediate refresh requested", "request_id", req.ID, "reason", reason)
	return RefreshResult{ID: req.ID}, nil
}

func (s *PollService) runImmediateRefresh(ctx context.Context, cancel context.CancelFunc, req model.RefreshRequest, gen uint64) {
	defer s.wg.Done()
	defer func() {
		cancel()
		s.mu.Lock()
		if s.generation == gen {
			s.cancelPending = nil
			s.state.PendingImmediateRefresh = nil
		}
		s.mu.Unlock()
	}()

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if tripped, _ := s.quotaGuardTripped(); tripped {
				return backoff.Permanent(errQuotaGuard)
			}
		}

		_, err := s.sync(ctx, model.CallTypeImmediateRefresh, false)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if IsRateLimited(err) {
			s.signalReschedule()
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("immediate refresh attempt failed",
			"request_id", req.ID,
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	}

	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(s.newBackOff(), ctx), notify, s.newTimer())
	s.afterSync(context.WithoutCancel(ctx))

	switch {
	case err == nil:
		slog.Info("immediate refresh complete", "request_id", req.ID, "attempts", attempt)
	case errors.Is(err, context.Canceled):
		slog.Debug("immediate refresh canceled", "request_id", req.ID, "attempts", attempt)
	case errors.Is(err, errQuotaGuard):
		slog.Info("immediate refresh abandoned, quota guard tripped", "request_id", req.ID, "attempts", attempt)
	default:
		slog.Error("immediate refresh failed", "request_id", req.ID, "attempts", attempt, "error", err)
	}
}

func (s *PollService) signalReschedule() {
	select {
	case s.rescheduleCh <- struct{}{}:
	default:
	}
}

// stretchAfterRateLimit pushes the next tick out to the quota reset after a
// 429 seen outside the tick loop. It never brings a tick forward.
func (s *PollService) stretchAfterRateLimit() (time.Duration, bool) {
	now := s.now()
	mode, delay := s.policy.nextDelay(now, s.estimator.Current(), true)

	s.mu.Lock()
	defer s.mu.Unlock()

	due := now.Add(delay)
	if !due.After(s.state.NextDueAt) {
		return 0, false
	}
	s.state.Mode = mode
	s.state.Interval = delay
	s.state.NextDueAt = due

	slog.Info("next poll deferred to quota reset", "next_due_at", due)
	return delay, true
}

// realTimer adapts time.Timer to backoff.Timer.
type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *realTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

package application

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

type pollFixture struct {
	clock     *fakeClock
	store     *memBlobStore
	ledger    *Ledger
	estimator *Estimator
	transport *scriptedTransport
	notifier  *recordingNotifier
	svc       *PollService
}

func newPollFixture(t *testing.T, start time.Time, handler func(req driven.Request) (*driven.Response, error)) *pollFixture {
	t.Helper()

	clock := newFakeClock(start)
	store := newMemBlobStore()
	ledger := newTestLedger(store, 30, clock)
	estimator := NewEstimator(ledger, store, nil, "")
	estimator.now = clock.Now
	transport := &scriptedTransport{handler: handler}
	notifier := &recordingNotifier{}

	tokens := &staticTokens{cred: model.Credential{AccessToken: "a1", Version: 1}}
	api := NewAPIClient(transport, tokens, ledger, estimator, store, "https://api.test/api/v2", 1)
	api.now = clock.Now

	svc := NewPollService(api, ledger, estimator, store, notifier, DefaultPollingPolicy(), 5)
	svc.now = clock.Now

	return &pollFixture{
		clock:     clock,
		store:     store,
		ledger:    ledger,
		estimator: estimator,
		transport: transport,
		notifier:  notifier,
		svc:       svc,
	}
}

func okHandler(driven.Request) (*driven.Response, error) {
	return jsonResponse(200, `{}`), nil
}

// markRunning lets immediate refreshes be requested without the tick loop.
func (f *pollFixture) markRunning(ctx context.Context) {
	f.svc.mu.Lock()
	f.svc.running = true
	f.svc.loopCtx = ctx
	f.svc.mu.Unlock()
}

// recordingTimer fires at once and records every requested delay.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	ch     chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{ch: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	r.ch <- time.Time{}
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.ch }

// blockingTimer never fires.
type blockingTimer struct{}

func (blockingTimer) Start(time.Duration) {}
func (blockingTimer) Stop()               {}
func (blockingTimer) C() <-chan time.Time { return nil }

func TestPollService_SimulatedDayOnLowestTier(t *testing.T) {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	f := newPollFixture(t, start, okHandler)
	ctx := context.Background()

	var ticks int
	for f.clock.Now().Before(start.Add(24 * time.Hour)) {
		delay := f.svc.tick(ctx)
		ticks++
		f.clock.Advance(delay)
	}

	counts := f.ledger.Counts(48 * time.Hour)
	assert.Equal(t, 35, ticks)
	assert.Equal(t, 16, counts[model.CallTypeFullSync], "four full syncs of four calls")
	assert.Equal(t, 62, counts[model.CallTypeQuickSync])
	assert.InDelta(t, 80, f.transport.count(), 4)
}

func TestPollService_FirstTickIsFull(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)
	ctx := context.Background()

	f.svc.tick(ctx)
	assert.Equal(t, 4, f.transport.count())
	for _, resource := range fullResources {
		assert.True(t, f.store.has(driven.ResourceBlob(resource)), resource)
	}

	delay := f.svc.tick(ctx)
	assert.Equal(t, 6, f.transport.count(), "second tick is quick")
	assert.Equal(t, 30*time.Minute, delay)

	st := f.svc.State()
	assert.Equal(t, model.ScheduleModeDay, st.Mode)
	assert.Equal(t, at(12, 0), st.LastFullSync)
	assert.Equal(t, at(12, 30), st.NextDueAt)

	require.Len(t, f.notifier.ticks, 2)
	assert.Equal(t, model.CallTypeFullSync, f.notifier.ticks[0].CallType)
	assert.Equal(t, model.CallTypeQuickSync, f.notifier.ticks[1].CallType)
	assert.Equal(t, 2, f.notifier.ticks[1].Calls)
}

func TestPollService_RateLimitedTickWaitsForReset(t *testing.T) {
	f := newPollFixture(t, at(12, 0), func(driven.Request) (*driven.Response, error) {
		resp := jsonResponse(429, `{"errors":[{"code":"tooManyRequests"}]}`)
		resp.Header.Set("RateLimit-Policy", `"perday";q=100;w=86400`)
		resp.Header.Set("RateLimit", `"perday";r=0;t=10800`)
		return resp, nil
	})

	delay := f.svc.tick(context.Background())

	assert.GreaterOrEqual(t, delay, 3*time.Hour)
	assert.Equal(t, 1, f.transport.count(), "sync stops at the first 429")
	assert.Equal(t, f.estimator.Current().Limit, f.estimator.Current().Used)
	assert.Equal(t, model.OutcomeRateLimited, f.notifier.ticks[0].Outcome.Kind)
}

func TestPollService_FailedFullSyncIsRetriedNextTick(t *testing.T) {
	fail := true
	f := newPollFixture(t, at(12, 0), func(req driven.Request) (*driven.Response, error) {
		if fail && strings.HasSuffix(req.URL, "/zones") {
			return jsonResponse(500, `oops`), nil
		}
		return jsonResponse(200, `{}`), nil
	})
	ctx := context.Background()

	f.svc.tick(ctx)
	assert.True(t, f.svc.State().LastFullSync.IsZero())

	fail = false
	f.clock.Advance(30 * time.Minute)
	f.svc.tick(ctx)
	assert.Equal(t, at(12, 30), f.svc.State().LastFullSync)
	assert.Equal(t, 8, f.transport.count())
}

func TestPollService_NotAuthorizedSendsNothing(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)
	tokens := &staticTokens{err: ErrNeedsReauthorization}
	api := NewAPIClient(f.transport, tokens, f.ledger, f.estimator, f.store, "https://api.test/api/v2", 1)
	f.svc.api = api

	delay := f.svc.tick(context.Background())
	assert.Zero(t, f.transport.count())
	assert.Equal(t, 30*time.Minute, delay)
}

func TestPollService_PersistsAndRestoresSchedule(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)
	ctx := context.Background()

	f.svc.tick(ctx)

	restored := NewPollService(nil, f.ledger, f.estimator, f.store, nil, DefaultPollingPolicy(), 5)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, at(12, 0), restored.State().LastFullSync)
}

func TestPollService_ImmediateRefreshBackOff(t *testing.T) {
	f := newPollFixture(t, at(12, 0), func(driven.Request) (*driven.Response, error) {
		return nil, &driven.TransportError{Op: "GET", Err: errors.New("connection reset")}
	})
	timer := newRecordingTimer()
	f.svc.newTimer = func() backoff.Timer { return timer }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.markRunning(ctx)

	res, err := f.svc.RequestImmediateRefresh("test")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.ID)

	f.svc.wg.Wait()

	assert.Equal(t, []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second,
	}, timer.delays)
	assert.Equal(t, 6, f.ledger.Counts(time.Hour)[model.CallTypeImmediateRefresh]/len(quickResources), "six attempts")
	assert.Nil(t, f.svc.State().PendingImmediateRefresh)
}

func TestPollService_ImmediateRefreshStopsOnNonRetryable(t *testing.T) {
	f := newPollFixture(t, at(12, 0), func(driven.Request) (*driven.Response, error) {
		return jsonResponse(404, `not found`), nil
	})
	timer := newRecordingTimer()
	f.svc.newTimer = func() backoff.Timer { return timer }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.markRunning(ctx)

	_, err := f.svc.RequestImmediateRefresh("test")
	require.NoError(t, err)
	f.svc.wg.Wait()

	assert.Empty(t, timer.delays)
	assert.Equal(t, 2, f.transport.count())
}

func TestPollService_ImmediateRefreshSuccess(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.markRunning(ctx)

	_, err := f.svc.RequestImmediateRefresh("overlay set")
	require.NoError(t, err)
	f.svc.wg.Wait()

	assert.Equal(t, 2, f.ledger.Counts(time.Hour)[model.CallTypeImmediateRefresh])
	assert.True(t, f.store.has(driven.ResourceBlob("zoneStates")))
	assert.True(t, f.store.has(driven.BlobLedger), "ledger flushed after refresh")
}

func TestPollService_QuotaGuardSkipsImmediateRefresh(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)
	f.estimator.Observe(draftHeaders(100, 2, 3*3600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.markRunning(ctx)

	res, err := f.svc.RequestImmediateRefresh("presence set")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.ID)

	f.svc.wg.Wait()
	assert.Zero(t, f.transport.count())
}

func TestPollService_QuotaGuardRecheckedBeforeRetry(t *testing.T) {
	var calls int
	var mu sync.Mutex
	f := newPollFixture(t, at(12, 0), nil)
	f.transport.handler = func(driven.Request) (*driven.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		resp := jsonResponse(429, ``)
		resp.Header.Set("RateLimit-Policy", `"perday";q=100;w=86400`)
		resp.Header.Set("RateLimit", `"perday";r=0;t=600`)
		return resp, nil
	}
	timer := newRecordingTimer()
	f.svc.newTimer = func() backoff.Timer { return timer }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.markRunning(ctx)

	_, err := f.svc.RequestImmediateRefresh("test")
	require.NoError(t, err)
	f.svc.wg.Wait()

	assert.Equal(t, 1, calls, "exhausted quota stops the retry")
	assert.Len(t, timer.delays, 1)
}

func TestPollService_NewerRequestSupersedesBackOff(t *testing.T) {
	f := newPollFixture(t, at(12, 0), func(driven.Request) (*driven.Response, error) {
		return nil, &driven.TransportError{Op: "GET", Err: errors.New("timeout")}
	})
	f.svc.newTimer = func() backoff.Timer { return blockingTimer{} }

	ctx, cancel := context.WithCancel(context.Background())
	f.markRunning(ctx)

	first, err := f.svc.RequestImmediateRefresh("first")
	require.NoError(t, err)
	second, err := f.svc.RequestImmediateRefresh("second")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	pending := f.svc.State().PendingImmediateRefresh
	require.NotNil(t, pending)
	assert.Equal(t, second.ID, pending.ID)
	assert.Equal(t, "second", pending.Reason)

	cancel()
	f.svc.wg.Wait()
	assert.Nil(t, f.svc.State().PendingImmediateRefresh)
}

func TestPollService_ImmediateRefreshRequiresRunningLoop(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)

	_, err := f.svc.RequestImmediateRefresh("test")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPollService_ImmediateRefreshLosesRaceWithShutdown(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)
	f.markRunning(context.Background())

	// The loop stops between the running check and the hand-off to the
	// background sync.
	f.svc.now = func() time.Time {
		f.svc.mu.Lock()
		f.svc.running = false
		f.svc.mu.Unlock()
		return f.clock.Now()
	}

	_, err := f.svc.RequestImmediateRefresh("test")
	require.ErrorIs(t, err, ErrNotRunning)

	f.svc.wg.Wait()
	assert.Nil(t, f.svc.State().PendingImmediateRefresh)
	assert.Zero(t, f.transport.count())
}

func TestPollService_StartTicksImmediatelyAndStops(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return f.transport.count() == 4 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	_, err := f.svc.RequestImmediateRefresh("late")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPollService_RateLimitFromRefreshDefersNextTick(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)
	f.svc.tick(context.Background())
	require.Equal(t, at(12, 30), f.svc.State().NextDueAt)

	f.estimator.MarkRateLimited(http.Header{"Ratelimit": {`"perday";r=0;t=7200`}})
	delay, ok := f.svc.stretchAfterRateLimit()
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, delay)
	assert.Equal(t, at(14, 0), f.svc.State().NextDueAt)
}

func TestPollService_SyncOnce(t *testing.T) {
	f := newPollFixture(t, at(12, 0), okHandler)

	report, err := f.svc.SyncOnce(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, model.CallTypeFullSync, report.CallType)
	assert.Equal(t, 4, report.Calls)
	assert.Equal(t, at(12, 0), f.svc.State().LastFullSync)
}

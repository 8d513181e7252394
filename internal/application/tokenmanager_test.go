package application

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

var testOAuth = OAuthConfig{
	TokenURL:  "https://auth.test/oauth2/token",
	DeviceURL: "https://auth.test/oauth2/device_authorize",
	ClientID:  "client-1",
	Scope:     "home.user offline_access",
}

var t0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newTestTokenManager(transport driven.Transport, store *memCredentialStore, clock *fakeClock) (*TokenManager, *Ledger, *recordingNotifier) {
	ledger := NewLedger(newMemBlobStore(), 30)
	ledger.now = clock.Now
	notifier := &recordingNotifier{}

	m := NewTokenManager(transport, store, ledger, notifier, testOAuth, 30*time.Second)
	m.now = clock.Now
	m.newBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRefreshRetries) }
	m.sleep = func(_ context.Context, d time.Duration) error {
		clock.Advance(d)
		return nil
	}
	return m, ledger, notifier
}

func formOf(t *testing.T, req driven.Request) url.Values {
	t.Helper()
	v, err := url.ParseQuery(string(req.Body))
	require.NoError(t, err)
	return v
}

func TestTokenManager_ValidCredentialIsReturnedWithoutExchange(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: t0.Add(time.Hour), Version: 1}}
	transport := &scriptedTransport{handler: func(driven.Request) (*driven.Response, error) {
		t.Fatal("unexpected token exchange")
		return nil, nil
	}}
	m, _, _ := newTestTokenManager(transport, store, clock)

	cred, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1", cred.AccessToken)
	assert.Equal(t, model.AuthStateIdle, m.State())
}

func TestTokenManager_NoCredential(t *testing.T) {
	clock := newFakeClock(t0)
	m, _, _ := newTestTokenManager(&scriptedTransport{}, &memCredentialStore{}, clock)

	_, err := m.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, model.AuthStateUnauthorized, m.State())
}

func TestTokenManager_ConcurrentEnsureValidExchangesOnce(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: t0.Add(10 * time.Second), Version: 1}}

	var exchanges atomic.Int32
	transport := &scriptedTransport{}
	transport.handler = func(req driven.Request) (*driven.Response, error) {
		form := formOf(t, req)
		assert.Equal(t, "refresh_token", form.Get("grant_type"))
		assert.Equal(t, "r1", form.Get("refresh_token"), "spent refresh token reused")
		exchanges.Add(1)
		time.Sleep(20 * time.Millisecond)
		return jsonResponse(200, `{"access_token":"a2","refresh_token":"r2","expires_in":600}`), nil
	}
	m, ledger, _ := newTestTokenManager(transport, store, clock)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]model.Credential, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.EnsureValid(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), exchanges.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "a2", results[i].AccessToken)
		assert.Equal(t, int64(2), results[i].Version)
	}

	saved := store.current()
	require.NotNil(t, saved)
	assert.Equal(t, "r2", saved.RefreshToken)
	assert.Equal(t, t0.Add(600*time.Second), saved.ExpiresAt)
	assert.Equal(t, 1, ledger.Counts(time.Hour)[model.CallTypeTokenRefresh])
}

func TestTokenManager_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: t0, Version: 4}}
	transport := &scriptedTransport{handler: func(driven.Request) (*driven.Response, error) {
		return jsonResponse(200, `{"access_token":"a2","expires_in":600}`), nil
	}}
	m, _, _ := newTestTokenManager(transport, store, clock)

	cred, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", cred.RefreshToken)
	assert.Equal(t, int64(5), cred.Version)
}

func TestTokenManager_InvalidGrantNeedsReauthorization(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: t0, Version: 1}}
	transport := &scriptedTransport{handler: func(driven.Request) (*driven.Response, error) {
		return jsonResponse(400, `{"error":"invalid_grant","error_description":"refresh token revoked"}`), nil
	}}
	m, _, notifier := newTestTokenManager(transport, store, clock)

	_, err := m.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrNeedsReauthorization)
	assert.Equal(t, model.AuthStateNeedsReauthorization, m.State())
	assert.Equal(t, 1, transport.count(), "rejected refresh must not be retried")
	assert.Len(t, notifier.reauths, 1)

	_, err = m.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrNeedsReauthorization)
	assert.Equal(t, 1, transport.count())

	saved := store.current()
	require.NotNil(t, saved)
	assert.Empty(t, saved.RefreshToken)
}

func TestTokenManager_RevokedCredentialSurvivesRestart(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{Version: 3}}
	m, _, _ := newTestTokenManager(&scriptedTransport{}, store, clock)

	require.NoError(t, m.Load(context.Background()))
	assert.Equal(t, model.AuthStateNeedsReauthorization, m.State())
}

func TestTokenManager_TransientFailuresAreRetried(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{name: "recovers on third attempt", failures: 2, wantErr: false, wantCalls: 3},
		{name: "gives up after three attempts", failures: 5, wantErr: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(t0)
			store := &memCredentialStore{cred: &model.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: t0, Version: 1}}

			var calls int
			transport := &scriptedTransport{}
			transport.handler = func(driven.Request) (*driven.Response, error) {
				calls++
				if calls <= tt.failures {
					if calls%2 == 0 {
						return nil, &driven.TransportError{Op: "POST", Err: context.DeadlineExceeded}
					}
					return jsonResponse(503, `upstream down`), nil
				}
				return jsonResponse(200, `{"access_token":"a2","refresh_token":"r2","expires_in":600}`), nil
			}
			m, _, _ := newTestTokenManager(transport, store, clock)

			_, err := m.EnsureValid(context.Background())
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrNeedsReauthorization)
				assert.Equal(t, model.AuthStateIdle, m.State())
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTokenManager_DefaultRefreshBackOffSpacing(t *testing.T) {
	b := defaultRefreshBackOff()

	var got []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, got)
}

func TestTokenManager_InvalidateForcesRefreshOnlyForCurrentVersion(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: t0.Add(time.Hour), Version: 7}}
	transport := &scriptedTransport{handler: func(driven.Request) (*driven.Response, error) {
		return jsonResponse(200, `{"access_token":"a2","refresh_token":"r2","expires_in":600}`), nil
	}}
	m, _, _ := newTestTokenManager(transport, store, clock)
	ctx := context.Background()

	_, err := m.EnsureValid(ctx)
	require.NoError(t, err)

	m.Invalidate(6)
	cred, err := m.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", cred.AccessToken)
	assert.Equal(t, 0, transport.count())

	m.Invalidate(7)
	cred, err = m.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", cred.AccessToken)
	assert.Equal(t, 1, transport.count())
}

func TestTokenManager_StartDeviceAuthorization(t *testing.T) {
	clock := newFakeClock(t0)
	transport := &scriptedTransport{}
	transport.handler = func(req driven.Request) (*driven.Response, error) {
		assert.Equal(t, testOAuth.DeviceURL, req.URL)
		form := formOf(t, req)
		assert.Equal(t, "client-1", form.Get("client_id"))
		assert.Equal(t, "home.user offline_access", form.Get("scope"))
		return jsonResponse(200, `{
			"device_code":"dev-1","user_code":"ABC123",
			"verification_uri":"https://login.test/device",
			"verification_uri_complete":"https://login.test/device?user_code=ABC123",
			"expires_in":300,"interval":5}`), nil
	}
	m, ledger, _ := newTestTokenManager(transport, &memCredentialStore{}, clock)

	da, err := m.StartDeviceAuthorization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev-1", da.DeviceCode)
	assert.Equal(t, "ABC123", da.UserCode)
	assert.Equal(t, 5*time.Second, da.Interval)
	assert.Equal(t, t0.Add(5*time.Minute), da.ExpiresAt)
	assert.Equal(t, 1, ledger.Counts(time.Hour)[model.CallTypeDeviceAuth])
}

func TestTokenManager_AwaitDeviceAuthorization(t *testing.T) {
	tests := []struct {
		name      string
		replies   []string
		want      model.DeviceAuthOutcome
		wantSleep []time.Duration
	}{
		{
			name:      "approved after pending and slow_down",
			replies:   []string{`{"error":"authorization_pending"}`, `{"error":"slow_down"}`, ""},
			want:      model.DeviceAuthAuthorized,
			wantSleep: []time.Duration{5 * time.Second, 5 * time.Second, 10 * time.Second},
		},
		{
			name:      "denied",
			replies:   []string{`{"error":"authorization_pending"}`, `{"error":"access_denied"}`},
			want:      model.DeviceAuthDenied,
			wantSleep: []time.Duration{5 * time.Second, 5 * time.Second},
		},
		{
			name:      "expired by server",
			replies:   []string{`{"error":"expired_token"}`},
			want:      model.DeviceAuthExpired,
			wantSleep: []time.Duration{5 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(t0)
			store := &memCredentialStore{}

			var poll int
			transport := &scriptedTransport{}
			transport.handler = func(req driven.Request) (*driven.Response, error) {
				form := formOf(t, req)
				assert.Equal(t, deviceCodeGrantType, form.Get("grant_type"))
				assert.Equal(t, "dev-1", form.Get("device_code"))

				reply := tt.replies[poll]
				poll++
				if reply == "" {
					return jsonResponse(200, `{"access_token":"a1","refresh_token":"r1","expires_in":600}`), nil
				}
				return jsonResponse(400, reply), nil
			}
			m, _, _ := newTestTokenManager(transport, store, clock)

			var slept []time.Duration
			m.sleep = func(_ context.Context, d time.Duration) error {
				slept = append(slept, d)
				clock.Advance(d)
				return nil
			}

			da := &model.DeviceAuthorization{DeviceCode: "dev-1", UserCode: "ABC123", Interval: 5 * time.Second, ExpiresAt: t0.Add(5 * time.Minute)}
			got, err := m.AwaitDeviceAuthorization(context.Background(), da)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSleep, slept)

			if tt.want == model.DeviceAuthAuthorized {
				assert.Equal(t, model.AuthStateIdle, m.State())
				saved := store.current()
				require.NotNil(t, saved)
				assert.Equal(t, "r1", saved.RefreshToken)
				assert.Equal(t, int64(1), saved.Version)
			} else {
				assert.Nil(t, store.current())
			}
		})
	}
}

func TestTokenManager_AwaitDeviceAuthorizationExpiresLocally(t *testing.T) {
	clock := newFakeClock(t0)
	transport := &scriptedTransport{handler: func(driven.Request) (*driven.Response, error) {
		return jsonResponse(400, `{"error":"authorization_pending"}`), nil
	}}
	m, _, _ := newTestTokenManager(transport, &memCredentialStore{}, clock)

	da := &model.DeviceAuthorization{DeviceCode: "dev-1", Interval: 5 * time.Second, ExpiresAt: t0.Add(12 * time.Second)}
	got, err := m.AwaitDeviceAuthorization(context.Background(), da)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceAuthExpired, got)
	assert.LessOrEqual(t, transport.count(), 3)
}

func TestTokenManager_DeviceAuthorizationRecoversFromReauthorization(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{Version: 3}}
	transport := &scriptedTransport{handler: func(driven.Request) (*driven.Response, error) {
		return jsonResponse(200, `{"access_token":"a9","refresh_token":"r9","expires_in":600}`), nil
	}}
	m, _, _ := newTestTokenManager(transport, store, clock)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx))
	require.Equal(t, model.AuthStateNeedsReauthorization, m.State())

	da := &model.DeviceAuthorization{DeviceCode: "dev-1", Interval: time.Second, ExpiresAt: t0.Add(time.Minute)}
	got, err := m.AwaitDeviceAuthorization(ctx, da)
	require.NoError(t, err)
	require.Equal(t, model.DeviceAuthAuthorized, got)

	cred, err := m.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a9", cred.AccessToken)
	assert.Equal(t, int64(4), cred.Version)
}

func TestTokenManager_SignOut(t *testing.T) {
	clock := newFakeClock(t0)
	store := &memCredentialStore{cred: &model.Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: t0.Add(time.Hour), Version: 1}}
	m, _, _ := newTestTokenManager(&scriptedTransport{}, store, clock)
	ctx := context.Background()

	require.NoError(t, m.SignOut(ctx))
	assert.Nil(t, store.current())
	assert.Equal(t, model.AuthStateUnauthorized, m.State())

	_, err := m.EnsureValid(ctx)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

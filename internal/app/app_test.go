package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqliteadapter "github.com/ericfisherdev/zonepoll/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/zonepoll/internal/application"
	"github.com/ericfisherdev/zonepoll/internal/config"
	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath:           filepath.Join(t.TempDir(), "zonepoll.db"),
		SecretKey:        testKey,
		ClientID:         "client",
		APIBaseURL:       apiURL,
		AuthBaseURL:      apiURL + "/oauth2",
		HomeID:           42,
		DayStartHour:     7,
		NightStartHour:   23,
		FullSyncInterval: 6 * time.Hour,
		Tiers:            []config.Tier{{Limit: 100, Day: 30 * time.Minute, Night: 2 * time.Hour}},
		RetentionDays:    7,
		SafetyMargin:     5,
		TokenMargin:      30 * time.Second,
		LimitPolicy:      application.LimitPolicyImmediate,
	}
}

func seedCredential(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()

	db, err := sqliteadapter.NewDB(ctx, dbPath)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, sqliteadapter.RunMigrations(db.Writer))

	repo := sqliteadapter.NewCredentialRepo(db, testKey)
	require.NoError(t, repo.Save(ctx, model.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		Version:      1,
	}))
}

func newAPIServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		w.Header().Set("RateLimit-Policy", `"perday";q=100;w=86400`)
		w.Header().Set("RateLimit", `"perday";r=`+strconv.Itoa(100-int(hits.Load()))+`;t=3600`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpen_FullSyncPersistsAcrossRestart(t *testing.T) {
	var hits atomic.Int32
	srv := newAPIServer(t, &hits)
	cfg := testConfig(t, srv.URL)
	seedCredential(t, cfg.DBPath)
	ctx := context.Background()

	a, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, model.AuthStateIdle, a.Tokens.State())

	report, err := a.Poller.SyncOnce(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Calls)
	assert.Equal(t, int32(4), hits.Load())

	snap := a.Estimator.Current()
	assert.Equal(t, 100, snap.Limit)
	assert.Equal(t, 4, snap.Used)
	assert.Equal(t, model.ConfidenceHeaderExact, snap.Confidence)

	weather, err := sqliteadapter.NewBlobRepo(a.DB).Get(ctx, driven.ResourceBlob("weather"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/homes/42/weather"}`, string(weather))

	require.NoError(t, a.Close(ctx))

	reopened, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close(ctx) }()

	assert.Equal(t, 4, reopened.Ledger.Counts(time.Hour)[model.CallTypeFullSync])
	assert.False(t, reopened.Poller.State().LastFullSync.IsZero())
	assert.Equal(t, 4, reopened.Estimator.Current().Used)
}

func TestOpen_RuntimeRetentionSurvivesRestart(t *testing.T) {
	var hits atomic.Int32
	srv := newAPIServer(t, &hits)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	a, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Ledger.SetRetention(ctx, 90))
	require.NoError(t, a.Close(ctx))

	reopened, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 90, reopened.Ledger.RetentionDays())
	require.NoError(t, reopened.Close(ctx))

	cfg.RetentionDays = 14
	changed, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = changed.Close(ctx) }()
	assert.Equal(t, 14, changed.Ledger.RetentionDays(), "a new configured value wins")
}

func TestOpen_NoCredential(t *testing.T) {
	var hits atomic.Int32
	srv := newAPIServer(t, &hits)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	a, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	assert.Equal(t, model.AuthStateUnauthorized, a.Tokens.State())

	_, err = a.Poller.SyncOnce(ctx, false)
	require.ErrorIs(t, err, application.ErrNotAuthorized)
	assert.Zero(t, hits.Load())
	assert.Empty(t, a.Ledger.Recent(time.Hour))
}

func TestOpen_WithoutSecretKey(t *testing.T) {
	var hits atomic.Int32
	srv := newAPIServer(t, &hits)
	cfg := testConfig(t, srv.URL)
	cfg.SecretKey = nil
	ctx := context.Background()

	a, err := Open(ctx, cfg, nil)
	require.NoError(t, err, "missing key disables polling but still serves history")
	defer func() { _ = a.Close(ctx) }()

	_, err = a.Poller.SyncOnce(ctx, false)
	require.ErrorIs(t, err, driven.ErrEncryptionKeyNotSet)
	assert.Zero(t, hits.Load())
}

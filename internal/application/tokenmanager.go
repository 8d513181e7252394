package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

const (
	// DefaultTokenMargin is how long a returned access token must stay valid.
	DefaultTokenMargin = 30 * time.Second

	defaultTokenLifetime   = 5 * time.Minute
	defaultDevicePoll      = 5 * time.Second
	defaultDeviceExpiry    = 5 * time.Minute
	slowDownStep           = 5 * time.Second
	deviceCodeGrantType    = "urn:ietf:params:oauth:grant-type:device_code"
	refreshTokenGrantType  = "refresh_token"
	maxRefreshRetries      = 2
	refreshInitialInterval = time.Second
)

// OAuthConfig holds the authorization server endpoints and client identity.
type OAuthConfig struct {
	TokenURL  string
	DeviceURL string
	ClientID  string
	Scope     string
}

// callRecorder is the slice of the ledger that records outbound calls.
type callRecorder interface {
	Append(rec model.CallRecord)
}

// TokenStatus is a token-free view of the credential for status reporting.
type TokenStatus struct {
	State     model.AuthState
	ExpiresAt time.Time
	Version   int64
}

// TokenManager owns the OAuth2 credential. EnsureValid holds mu across the
// whole check → refresh exchange → commit sequence, so a single-use refresh
// token is never exchanged twice.
type TokenManager struct {
	mu     sync.Mutex
	cred   *model.Credential
	loaded bool

	statusMu sync.RWMutex
	status   TokenStatus

	transport  driven.Transport
	store      driven.CredentialStore
	recorder   callRecorder
	notifier   driven.Notifier
	oauth      OAuthConfig
	margin     time.Duration
	newBackOff func() backoff.BackOff
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// NewTokenManager creates a TokenManager. recorder and notifier may be nil.
func NewTokenManager(
	transport driven.Transport,
	store driven.CredentialStore,
	recorder callRecorder,
	notifier driven.Notifier,
	oauth OAuthConfig,
	margin time.Duration,
) *TokenManager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if margin <= 0 {
		margin = DefaultTokenMargin
	}
	return &TokenManager{
		status:     TokenStatus{State: model.AuthStateUnauthorized},
		transport:  transport,
		store:      store,
		recorder:   recorder,
		notifier:   notifier,
		oauth:      oauth,
		margin:     margin,
		newBackOff: defaultRefreshBackOff,
		sleep:      sleepContext,
		now:        time.Now,
	}
}

func defaultRefreshBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = refreshInitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, maxRefreshRetries)
}

// State returns the current lifecycle state without waiting on a refresh.
func (m *TokenManager) State() model.AuthState {
	return m.Status().State
}

// Status returns a token-free snapshot of the credential.
func (m *TokenManager) Status() TokenStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func (m *TokenManager) setState(state model.AuthState) {
	m.statusMu.Lock()
	m.status.State = state
	m.statusMu.Unlock()
}

// commitLocked installs cred as the current credential. Callers hold mu.
func (m *TokenManager) commitLocked(cred model.Credential) {
	m.cred = &cred
	m.loaded = true

	m.statusMu.Lock()
	m.status = TokenStatus{State: model.AuthStateIdle, ExpiresAt: cred.ExpiresAt, Version: cred.Version}
	m.statusMu.Unlock()
}

// Load reads the stored credential. It is called lazily by EnsureValid but
// may be called at startup to report state early.
func (m *TokenManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx)
}

func (m *TokenManager) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	cred, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	m.loaded = true

	switch {
	case cred == nil:
		m.setState(model.AuthStateUnauthorized)
	case cred.RefreshToken == "":
		m.cred = cred
		m.setState(model.AuthStateNeedsReauthorization)
	default:
		m.commitLocked(*cred)
	}
	return nil
}

// EnsureValid returns a credential valid for at least the safety margin,
// refreshing it first if needed. Concurrent callers during a refresh wait for
// its outcome and receive the same credential.
func (m *TokenManager) EnsureValid(ctx context.Context) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return model.Credential{}, err
	}
	if m.State() == model.AuthStateNeedsReauthorization {
		return model.Credential{}, ErrNeedsReauthorization
	}
	if m.cred == nil {
		return model.Credential{}, ErrNotAuthorized
	}
	if m.cred.ValidFor(m.now(), m.margin) {
		return *m.cred, nil
	}

	m.setState(model.AuthStateRefreshing)
	next, err := m.refreshLocked(ctx, *m.cred)
	if err != nil {
		if errors.Is(err, ErrNeedsReauthorization) {
			m.markNeedsReauthorizationLocked(ctx, err)
			return model.Credential{}, err
		}
		m.setState(model.AuthStateIdle)
		return model.Credential{}, fmt.Errorf("refresh access token: %w", err)
	}

	if err := m.store.Save(ctx, next); err != nil {
		// The old refresh token is already spent; keep the new pair in memory
		// so the session survives until the next successful save.
		slog.Error("persist rotated credential failed", "version", next.Version, "error", err)
	}
	m.commitLocked(next)

	slog.Info("access token refreshed", "version", next.Version, "expires_at", next.ExpiresAt)
	return next, nil
}

// Invalidate forces the next EnsureValid to refresh, but only if the held
// credential is still the given version. A newer credential is left alone.
func (m *TokenManager) Invalidate(version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred == nil || m.cred.Version != version {
		return
	}
	m.cred.ExpiresAt = time.Time{}
	slog.Warn("access token rejected by api, refresh forced", "version", version)
}

// SignOut deletes the stored credential.
func (m *TokenManager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	m.cred = nil
	m.loaded = true

	m.statusMu.Lock()
	m.status = TokenStatus{State: model.AuthStateUnauthorized}
	m.statusMu.Unlock()
	return nil
}

func (m *TokenManager) markNeedsReauthorizationLocked(ctx context.Context, cause error) {
	version := int64(0)
	if m.cred != nil {
		version = m.cred.Version + 1
	}
	spent := model.Credential{Version: version}
	if err := m.store.Save(ctx, spent); err != nil {
		slog.Error("persist revoked credential failed", "error", err)
	}
	m.cred = &spent
	m.setState(model.AuthStateNeedsReauthorization)

	slog.Error("refresh token rejected, device authorization required", "error", cause)
	m.notifier.ReauthorizationRequired(cause.Error())
}

// refreshLocked exchanges cur.RefreshToken, retrying transient failures a
// bounded number of times. Callers hold mu.
func (m *TokenManager) refreshLocked(ctx context.Context, cur model.Credential) (model.Credential, error) {
	var next model.Credential

	op := func() error {
		cred, err := m.exchangeRefresh(ctx, cur)
		if err != nil {
			if !retryableExchange(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("token refresh attempt failed", "error", err)
			return err
		}
		next = cred
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(m.newBackOff(), ctx)); err != nil {
		return model.Credential{}, err
	}
	return next, nil
}

func (m *TokenManager) exchangeRefresh(ctx context.Context, cur model.Credential) (model.Credential, error) {
	form := url.Values{
		"client_id":     {m.oauth.ClientID},
		"grant_type":    {refreshTokenGrantType},
		"refresh_token": {cur.RefreshToken},
	}

	body, err := m.postForm(ctx, m.oauth.TokenURL, form, model.CallTypeTokenRefresh)
	if err != nil {
		return model.Credential{}, err
	}

	next, err := m.credentialFrom(body, cur.Version+1)
	if err != nil {
		return model.Credential{}, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	return next, nil
}

// retryableExchange reports whether a failed token-endpoint call may be
// retried with the same grant.
func retryableExchange(err error) bool {
	if IsTransient(err) {
		return true
	}
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode >= 500
}

// StartDeviceAuthorization requests a device code. The user must open the
// returned verification URI and enter the user code.
func (m *TokenManager) StartDeviceAuthorization(ctx context.Context) (*model.DeviceAuthorization, error) {
	form := url.Values{
		"client_id": {m.oauth.ClientID},
		"scope":     {m.oauth.Scope},
	}

	body, err := m.postForm(ctx, m.oauth.DeviceURL, form, model.CallTypeDeviceAuth)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}

	var resp deviceCodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}
	if resp.DeviceCode == "" {
		return nil, errors.New("device code response missing device_code")
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = defaultDevicePoll
	}
	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = defaultDeviceExpiry
	}

	da := &model.DeviceAuthorization{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		Interval:                interval,
		ExpiresAt:               m.now().Add(expiresIn),
	}

	slog.Info("device authorization started",
		"verification_uri", da.VerificationURI,
		"user_code", da.UserCode,
		"expires_at", da.ExpiresAt,
	)
	return da, nil
}

// AwaitDeviceAuthorization polls the token endpoint until the user approves,
// denies, or the device code expires. On approval the new credential replaces
// any previous one, including a revoked one.
func (m *TokenManager) AwaitDeviceAuthorization(ctx context.Context, da *model.DeviceAuthorization) (model.DeviceAuthOutcome, error) {
	interval := da.Interval
	if interval <= 0 {
		interval = defaultDevicePoll
	}
	maxPolls := int(da.ExpiresAt.Sub(m.now())/interval) + 1

	form := url.Values{
		"client_id":   {m.oauth.ClientID},
		"grant_type":  {deviceCodeGrantType},
		"device_code": {da.DeviceCode},
	}

	for polls := 0; ; polls++ {
		if polls >= maxPolls || !m.now().Before(da.ExpiresAt) {
			slog.Warn("device authorization expired", "user_code", da.UserCode)
			return model.DeviceAuthExpired, nil
		}

		if err := m.sleep(ctx, interval); err != nil {
			return "", err
		}

		body, err := m.postForm(ctx, m.oauth.TokenURL, form, model.CallTypeDeviceAuth)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				switch ae.Code {
				case "authorization_pending":
					continue
				case "slow_down":
					interval += slowDownStep
					continue
				case "access_denied":
					slog.Warn("device authorization denied", "user_code", da.UserCode)
					return model.DeviceAuthDenied, nil
				case "expired_token":
					slog.Warn("device authorization expired", "user_code", da.UserCode)
					return model.DeviceAuthExpired, nil
				}
				return "", fmt.Errorf("device authorization: %w", err)
			}
			if retryableExchange(err) {
				slog.Warn("device authorization poll failed", "error", err)
				continue
			}
			return "", fmt.Errorf("device authorization: %w", err)
		}

		if err := m.commitDeviceToken(ctx, body); err != nil {
			return "", err
		}
		return model.DeviceAuthAuthorized, nil
	}
}

func (m *TokenManager) commitDeviceToken(ctx context.Context, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := int64(1)
	if m.cred != nil {
		version = m.cred.Version + 1
	}

	cred, err := m.credentialFrom(body, version)
	if err != nil {
		return err
	}
	if cred.RefreshToken == "" {
		return errors.New("device authorization response missing refresh_token")
	}

	if err := m.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	m.commitLocked(cred)

	slog.Info("device authorization complete", "version", cred.Version)
	return nil
}

func (m *TokenManager) credentialFrom(body []byte, version int64) (model.Credential, error) {
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return model.Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return model.Credential{}, errors.New("token response missing access_token")
	}

	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}

	return model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    m.now().Add(lifetime),
		Version:      version,
	}, nil
}

// postForm sends a form-encoded POST to the authorization server and records
// it in the ledger. 4xx responses other than 429 become *AuthError.
func (m *TokenManager) postForm(ctx context.Context, endpoint string, form url.Values, callType model.CallType) ([]byte, error) {
	resp, err := m.transport.Send(ctx, driven.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
			"Accept":       {"application/json"},
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		m.record(callType, outcomeFor(err), endpoint)
		return nil, err
	}
	m.record(callType, outcomeForStatus(resp.StatusCode), endpoint)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: truncate(string(resp.Body), 200)}
	}

	var oe oauthErrorResponse
	_ = json.Unmarshal(resp.Body, &oe)
	return nil, &AuthError{StatusCode: resp.StatusCode, Code: oe.Error, Description: oe.Description}
}

func (m *TokenManager) record(callType model.CallType, outcome model.Outcome, endpoint string) {
	if m.recorder == nil {
		return
	}
	m.recorder.Append(model.CallRecord{
		Timestamp: m.now(),
		CallType:  callType,
		Outcome:   outcome,
		Endpoint:  endpoint,
	})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type oauthErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

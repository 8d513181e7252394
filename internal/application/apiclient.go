package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// tokenSource is the slice of the TokenManager the API client needs.
type tokenSource interface {
	EnsureValid(ctx context.Context) (model.Credential, error)
	Invalidate(version int64)
}

// rateObserver is the slice of the Estimator the API client feeds.
type rateObserver interface {
	Observe(h http.Header) model.RateLimitSnapshot
	MarkRateLimited(h http.Header) model.RateLimitSnapshot
}

// Home identifies the home all data calls are scoped to.
type Home struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// APIClient wraps every data call: ensure a valid token, send, append to the
// ledger, feed the response headers to the estimator.
type APIClient struct {
	transport driven.Transport
	tokens    tokenSource
	recorder  callRecorder
	observer  rateObserver
	store     driven.BlobStore
	baseURL   string
	now       func() time.Time

	homeMu sync.Mutex
	home   *Home
}

// NewAPIClient creates an APIClient. A non-zero homeID skips home discovery.
func NewAPIClient(
	transport driven.Transport,
	tokens tokenSource,
	recorder callRecorder,
	observer rateObserver,
	store driven.BlobStore,
	baseURL string,
	homeID int64,
) *APIClient {
	c := &APIClient{
		transport: transport,
		tokens:    tokens,
		recorder:  recorder,
		observer:  observer,
		store:     store,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
	}
	if homeID > 0 {
		c.home = &Home{ID: homeID}
	}
	return c
}

// Call performs one API call. payload, when non-nil, is sent as JSON. Non-2xx
// responses are returned as *HTTPError; the response is returned alongside so
// callers can inspect the body. A 401 forces a token refresh and the call is
// retried once with the new token.
func (c *APIClient) Call(ctx context.Context, callType model.CallType, method, path string, payload any) (*driven.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	cred, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, cred, callType, method, path, body)
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	c.tokens.Invalidate(cred.Version)
	fresh, refreshErr := c.tokens.EnsureValid(ctx)
	if refreshErr != nil || fresh.Version == cred.Version {
		return resp, err
	}
	slog.Debug("retrying after token refresh", "method", method, "path", path, "token_version", fresh.Version)
	return c.send(ctx, fresh, callType, method, path, body)
}

func (c *APIClient) send(ctx context.Context, cred model.Credential, callType model.CallType, method, path string, body []byte) (*driven.Response, error) {
	req := driven.Request{
		Method: method,
		URL:    c.baseURL + path,
		Header: http.Header{
			"Authorization": {"Bearer " + cred.AccessToken},
			"Accept":        {"application/json"},
		},
	}
	if body != nil {
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		c.record(callType, outcomeFor(err), path)
		return nil, err
	}
	c.record(callType, outcomeForStatus(resp.StatusCode), path)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.observer.MarkRateLimited(resp.Header)
	default:
		c.observer.Observe(resp.Header)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &HTTPError{StatusCode: resp.StatusCode, Endpoint: path, Body: truncate(string(resp.Body), 200)}
	}

	slog.Debug("api call",
		"call_type", string(callType),
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"from_cache", resp.FromCache,
	)
	return resp, nil
}

// Home returns the configured or discovered home. Discovery costs one
// home-lookup call and is persisted so it happens once per installation.
func (c *APIClient) Home(ctx context.Context) (Home, error) {
	c.homeMu.Lock()
	defer c.homeMu.Unlock()

	if c.home != nil {
		return *c.home, nil
	}

	if c.store != nil {
		data, err := c.store.Get(ctx, driven.BlobHome)
		if err != nil {
			return Home{}, fmt.Errorf("load home: %w", err)
		}
		if len(data) > 0 {
			var h Home
			if err := json.Unmarshal(data, &h); err != nil {
				return Home{}, fmt.Errorf("decode home: %w", err)
			}
			if h.ID > 0 {
				c.home = &h
				return h, nil
			}
		}
	}

	resp, err := c.Call(ctx, model.CallTypeHomeLookup, http.MethodGet, "/me", nil)
	if err != nil {
		return Home{}, fmt.Errorf("look up home: %w", err)
	}

	var me struct {
		Homes []Home `json:"homes"`
	}
	if err := json.Unmarshal(resp.Body, &me); err != nil {
		return Home{}, fmt.Errorf("decode /me: %w", err)
	}
	if len(me.Homes) == 0 {
		return Home{}, errors.New("account has no homes")
	}

	h := me.Homes[0]
	if c.store != nil {
		data, err := json.Marshal(h)
		if err != nil {
			return Home{}, fmt.Errorf("encode home: %w", err)
		}
		if err := c.store.Set(ctx, driven.BlobHome, data); err != nil {
			slog.Error("persist home failed", "home_id", h.ID, "error", err)
		}
	}
	c.home = &h

	slog.Info("home discovered", "home_id", h.ID, "home_name", h.Name)
	return h, nil
}

// HomeCall performs a call against /homes/{id}/<resource>.
func (c *APIClient) HomeCall(ctx context.Context, callType model.CallType, method, resource string, payload any) (*driven.Response, error) {
	home, err := c.Home(ctx)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, callType, method, fmt.Sprintf("/homes/%d/%s", home.ID, resource), payload)
}

func (c *APIClient) record(callType model.CallType, outcome model.Outcome, endpoint string) {
	if c.recorder == nil {
		return
	}
	c.recorder.Append(model.CallRecord{
		Timestamp: c.now(),
		CallType:  callType,
		Outcome:   outcome,
		Endpoint:  endpoint,
	})
}

// Package tado implements the Transport port for the Tado cloud API.
package tado

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// Default endpoints of the Tado cloud.
const (
	DefaultAPIBaseURL  = "https://my.tado.com/api/v2"
	DefaultAuthBaseURL = "https://login.tado.com/oauth2"
	DefaultClientID    = "1bb50063-6b0c-4d11-bd99-387f4a91cc46"
	DefaultScope       = "home.user offline_access"
)

// maxBodyBytes bounds how much of a response body is read into memory.
const maxBodyBytes = 8 << 20

// Compile-time interface satisfaction check.
var _ driven.Transport = (*Transport)(nil)

// Transport implements driven.Transport over net/http.
type Transport struct {
	client *http.Client
}

// NewTransport creates a Transport with the following stack:
//  1. httpcache (ETag-based conditional revalidation of GETs), when cache is true
//  2. http.DefaultTransport
//
// The cache never answers without revalidating, because the API marks its
// payloads no-cache, so every Send still reaches the server and still costs
// quota; it only saves bandwidth on unchanged payloads.
func NewTransport(cache bool, timeout time.Duration) *Transport {
	var rt http.RoundTripper = http.DefaultTransport
	if cache {
		rt = httpcache.NewMemoryCacheTransport()
	}
	return &Transport{client: &http.Client{Transport: rt, Timeout: timeout}}
}

// NewTransportWithHTTPClient creates a Transport around a caller-supplied client.
// Intended for tests against an httptest server.
func NewTransportWithHTTPClient(client *http.Client) *Transport {
	return &Transport{client: client}
}

// Send performs the request. Any HTTP status is returned as a Response;
// only failures to obtain one produce a *driven.TransportError.
func (t *Transport) Send(ctx context.Context, req driven.Request) (*driven.Response, error) {
	op := req.Method + " " + req.URL

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", op, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &driven.TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &driven.TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	return &driven.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		FromCache:  resp.Header.Get(httpcache.XFromCache) == "1",
	}, nil
}

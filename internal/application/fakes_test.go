package application

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

// --- Clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// --- Stores ---

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (m *memBlobStore) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *memBlobStore) Set(_ context.Context, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = append([]byte(nil), value...)
	return nil
}

func (m *memBlobStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

func (m *memBlobStore) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[name]
	return ok
}

type memCredentialStore struct {
	mu    sync.Mutex
	cred  *model.Credential
	saves int
}

func (m *memCredentialStore) Load(_ context.Context) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, nil
	}
	c := *m.cred
	return &c, nil
}

func (m *memCredentialStore) Save(_ context.Context, cred model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = &cred
	m.saves++
	return nil
}

func (m *memCredentialStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	return nil
}

func (m *memCredentialStore) current() *model.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil
	}
	c := *m.cred
	return &c
}

// --- Transport ---

// scriptedTransport answers each request with handler and records it.
type scriptedTransport struct {
	mu       sync.Mutex
	requests []driven.Request
	handler  func(req driven.Request) (*driven.Response, error)
}

func (s *scriptedTransport) Send(_ context.Context, req driven.Request) (*driven.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	h := s.handler
	s.mu.Unlock()
	return h(req)
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func jsonResponse(status int, body string) *driven.Response {
	return &driven.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(body),
	}
}

// --- Notifier ---

type recordingNotifier struct {
	mu      sync.Mutex
	snaps   []model.RateLimitSnapshot
	ticks   []model.TickReport
	reauths []string
}

func (n *recordingNotifier) RateLimitUpdated(snap model.RateLimitSnapshot) {
	n.mu.Lock()
	n.snaps = append(n.snaps, snap)
	n.mu.Unlock()
}

func (n *recordingNotifier) TickCompleted(report model.TickReport) {
	n.mu.Lock()
	n.ticks = append(n.ticks, report)
	n.mu.Unlock()
}

func (n *recordingNotifier) ReauthorizationRequired(reason string) {
	n.mu.Lock()
	n.reauths = append(n.reauths, reason)
	n.mu.Unlock()
}

// --- Token source ---

type staticTokens struct {
	mu          sync.Mutex
	cred        model.Credential
	err         error
	invalidated []int64

	// refreshed, when set, replaces cred on Invalidate.
	refreshed *model.Credential
}

func (s *staticTokens) EnsureValid(_ context.Context) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.err
}

func (s *staticTokens) Invalidate(version int64) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, version)
	if s.refreshed != nil && s.cred.Version == version {
		s.cred = *s.refreshed
	}
	s.mu.Unlock()
}

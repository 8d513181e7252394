package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/zonepoll/internal/application"
	"github.com/ericfisherdev/zonepoll/internal/domain/model"
)

const defaultCallsWindow = 24 * time.Hour

// TokenService is the credential lifecycle the handler reports on and drives.
type TokenService interface {
	Status() application.TokenStatus
	StartDeviceAuthorization(ctx context.Context) (*model.DeviceAuthorization, error)
	AwaitDeviceAuthorization(ctx context.Context, da *model.DeviceAuthorization) (model.DeviceAuthOutcome, error)
}

// Scheduler is the poll loop the handler reports on and triggers.
type Scheduler interface {
	State() model.ScheduleState
	RequestImmediateRefresh(reason string) (application.RefreshResult, error)
}

// QuotaEstimator reports the current rate-limit estimate.
type QuotaEstimator interface {
	Current() model.RateLimitSnapshot
}

// CallHistory is the call ledger as seen by the API.
type CallHistory interface {
	Recent(window time.Duration) []model.CallRecord
	Counts(window time.Duration) map[model.CallType]int
	RetentionDays() int
	SetRetention(ctx context.Context, days int) error
}

// Actions performs user-initiated writes.
type Actions interface {
	SetZoneOverlay(ctx context.Context, zoneID int, overlay model.Overlay) (application.ActionResult, error)
	ResumeSchedule(ctx context.Context, zoneID int) (application.ActionResult, error)
	SetPresence(ctx context.Context, presence model.PresenceState) (application.ActionResult, error)
	SetTemperatureOffset(ctx context.Context, zoneID int, celsius float64) (application.ActionResult, error)
	SetAwayConfiguration(ctx context.Context, zoneID int, cfg model.AwayConfiguration) error
	IdentifyDevice(ctx context.Context, serial string) error
	AddMeterReading(ctx context.Context, reading model.MeterReading) error
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	tokens    TokenService
	scheduler Scheduler
	quota     QuotaEstimator
	history   CallHistory
	actions   Actions
	logger    *slog.Logger

	deviceMu       sync.Mutex
	deviceInFlight bool

	// bgCtx bounds work that outlives a request, such as awaiting device
	// authorization. Close cancels it.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	tokens TokenService,
	scheduler Scheduler,
	quota QuotaEstimator,
	history CallHistory,
	actions Actions,
	logger *slog.Logger,
) *Handler {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Handler{
		tokens:    tokens,
		scheduler: scheduler,
		quota:     quota,
		history:   history,
		actions:   actions,
		logger:    logger,
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
}

// Close cancels background work started by requests and waits for it to
// finish. Call it after the server has shut down and before the stores close.
func (h *Handler) Close() {
	h.bgCancel()
	h.bg.Wait()
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with request ID, logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("GET /api/v1/ratelimit", h.RateLimit)
	mux.HandleFunc("GET /api/v1/calls", h.ListCalls)
	mux.HandleFunc("POST /api/v1/refresh", h.Refresh)
	mux.HandleFunc("POST /api/v1/zones/{zone}/overlay", h.SetOverlay)
	mux.HandleFunc("DELETE /api/v1/zones/{zone}/overlay", h.DeleteOverlay)
	mux.HandleFunc("PUT /api/v1/presence", h.SetPresence)
	mux.HandleFunc("PUT /api/v1/zones/{zone}/offset", h.SetOffset)
	mux.HandleFunc("PUT /api/v1/zones/{zone}/away", h.SetAway)
	mux.HandleFunc("POST /api/v1/devices/{serial}/identify", h.IdentifyDevice)
	mux.HandleFunc("POST /api/v1/meter-readings", h.AddMeterReading)
	mux.HandleFunc("PUT /api/v1/settings/retention", h.SetRetention)
	mux.HandleFunc("POST /api/v1/auth/device", h.StartDeviceAuth)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)
	wrapped = requestIDMiddleware(wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns the token, schedule and quota state in one document.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, StatusResponse{
		Auth:      toAuthResponse(h.tokens.Status()),
		Schedule:  toScheduleResponse(h.scheduler.State(), now),
		RateLimit: toRateLimitResponse(h.quota.Current(), now),
	})
}

// RateLimit returns the current rate-limit estimate.
func (h *Handler) RateLimit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toRateLimitResponse(h.quota.Current(), time.Now()))
}

// ListCalls returns the ledger records and per-type counts within ?window=.
func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	window := defaultCallsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := parseWindow(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		window = d
	}

	records := h.history.Recent(window)
	counts := h.history.Counts(window)

	resp := CallsResponse{
		Window:        window.String(),
		RetentionDays: h.history.RetentionDays(),
		Total:         len(records),
		Counts:        make(map[string]int, len(counts)),
		Records:       make([]CallRecordResponse, 0, len(records)),
	}
	for ct, n := range counts {
		resp.Counts[string(ct)] = n
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, toCallRecordResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Refresh requests an immediate out-of-schedule sync. A request declined by
// the quota guard is answered with 200 and skipped=true, an accepted one with 202.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}

	res, err := h.scheduler.RequestImmediateRefresh(req.Reason)
	if err != nil {
		h.writeServiceError(w, "immediate refresh", err)
		return
	}

	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, RefreshResponse{ID: res.ID, Skipped: res.Skipped})
}

// SetOverlay applies a manual overlay to a zone.
func (h *Handler) SetOverlay(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneFromPath(w, r)
	if !ok {
		return
	}

	var req OverlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	overlay := model.Overlay{
		ZoneType:    model.ZoneType(strings.ToUpper(req.ZoneType)),
		Power:       req.Power,
		Temperature: req.Temperature,
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
	}
	if overlay.ZoneType == "" {
		overlay.ZoneType = model.ZoneTypeHeating
	}

	res, err := h.actions.SetZoneOverlay(r.Context(), zoneID, overlay)
	if err != nil {
		h.writeServiceError(w, "set overlay", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

// DeleteOverlay resumes a zone's smart schedule.
func (h *Handler) DeleteOverlay(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneFromPath(w, r)
	if !ok {
		return
	}

	res, err := h.actions.ResumeSchedule(r.Context(), zoneID)
	if err != nil {
		h.writeServiceError(w, "resume schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

// SetPresence locks the home presence.
func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	presence := model.PresenceState(strings.ToUpper(req.Presence))
	if presence != model.PresenceHome && presence != model.PresenceAway {
		writeError(w, http.StatusBadRequest, "presence must be HOME or AWAY")
		return
	}

	res, err := h.actions.SetPresence(r.Context(), presence)
	if err != nil {
		h.writeServiceError(w, "set presence", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

// SetOffset calibrates the devices of a zone.
func (h *Handler) SetOffset(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneFromPath(w, r)
	if !ok {
		return
	}

	var req OffsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Celsius == nil {
		writeError(w, http.StatusBadRequest, "invalid request body: expected {\"celsius\": n}")
		return
	}

	res, err := h.actions.SetTemperatureOffset(r.Context(), zoneID, *req.Celsius)
	if err != nil {
		h.writeServiceError(w, "set offset", err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(res))
}

// SetAway changes a zone's away configuration.
func (h *Handler) SetAway(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneFromPath(w, r)
	if !ok {
		return
	}

	var req AwayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := model.AwayConfiguration{
		Mode:         model.AwayMode(strings.ToLower(req.Mode)),
		Temperature:  req.Temperature,
		ComfortLevel: 50,
	}
	if req.ComfortLevel != nil {
		cfg.ComfortLevel = *req.ComfortLevel
	}

	if err := h.actions.SetAwayConfiguration(r.Context(), zoneID, cfg); err != nil {
		h.writeServiceError(w, "set away configuration", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IdentifyDevice makes a device flash its display.
func (h *Handler) IdentifyDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.actions.IdentifyDevice(r.Context(), r.PathValue("serial")); err != nil {
		h.writeServiceError(w, "identify device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddMeterReading records a meter reading.
func (h *Handler) AddMeterReading(w http.ResponseWriter, r *http.Request) {
	var req MeterReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reading == nil {
		writeError(w, http.StatusBadRequest, "invalid request body: expected {\"reading\": n}")
		return
	}

	reading := model.MeterReading{Reading: *req.Reading}
	if req.Date != "" {
		date, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		reading.Date = date
	}

	if err := h.actions.AddMeterReading(r.Context(), reading); err != nil {
		h.writeServiceError(w, "add meter reading", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRetention changes the ledger retention.
func (h *Handler) SetRetention(w http.ResponseWriter, r *http.Request) {
	var req RetentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Days == nil {
		writeError(w, http.StatusBadRequest, "invalid request body: expected {\"days\": n}")
		return
	}

	days := *req.Days
	if days < 0 || days > application.MaxRetentionDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be between 0 and %d", application.MaxRetentionDays))
		return
	}

	if err := h.history.SetRetention(r.Context(), days); err != nil {
		h.logger.Error("failed to set retention", "days", days, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, RetentionResponse{RetentionDays: days})
}

// StartDeviceAuth starts device authorization and returns the verification
// URL and user code. Completion is awaited in the background.
func (h *Handler) StartDeviceAuth(w http.ResponseWriter, r *http.Request) {
	if h.bgCtx.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	h.deviceMu.Lock()
	if h.deviceInFlight {
		h.deviceMu.Unlock()
		writeError(w, http.StatusConflict, "device authorization already in progress")
		return
	}
	h.deviceInFlight = true
	h.deviceMu.Unlock()

	da, err := h.tokens.StartDeviceAuthorization(r.Context())
	if err != nil {
		h.clearDeviceInFlight()
		h.logger.Error("failed to start device authorization", "error", err)
		writeError(w, http.StatusBadGateway, "authorization server unavailable")
		return
	}

	// The request context is cancelled once the response is sent.
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		defer h.clearDeviceInFlight()

		ctx, cancel := context.WithDeadline(h.bgCtx, da.ExpiresAt.Add(time.Minute))
		defer cancel()

		outcome, err := h.tokens.AwaitDeviceAuthorization(ctx, da)
		if err != nil {
			h.logger.Error("device authorization failed", "error", err)
			return
		}
		h.logger.Info("device authorization finished", "outcome", string(outcome))
	}()

	writeJSON(w, http.StatusAccepted, DeviceAuthResponse{
		VerificationURI:         da.VerificationURI,
		VerificationURIComplete: da.VerificationURIComplete,
		UserCode:                da.UserCode,
		ExpiresAt:               da.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) clearDeviceInFlight() {
	h.deviceMu.Lock()
	h.deviceInFlight = false
	h.deviceMu.Unlock()
}

// writeServiceError maps application errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var he *application.HTTPError

	switch {
	case errors.Is(err, model.ErrInvalidOverlay), errors.Is(err, model.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, application.ErrUnknownZone):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, application.ErrNotAuthorized), errors.Is(err, application.ErrNeedsReauthorization):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, application.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case application.IsRateLimited(err):
		writeError(w, http.StatusTooManyRequests, "api quota exhausted")
	case errors.As(err, &he):
		h.logger.Warn(op+" rejected by api", "status", he.StatusCode, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("api returned %d", he.StatusCode))
	case application.IsTransient(err):
		writeError(w, http.StatusBadGateway, "api unreachable")
	default:
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// zoneFromPath parses the {zone} path value, writing a 400 on failure.
func zoneFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	zoneID, err := strconv.Atoi(r.PathValue("zone"))
	if err != nil || zoneID < 1 {
		writeError(w, http.StatusBadRequest, "invalid zone id")
		return 0, false
	}
	return zoneID, true
}

// parseWindow accepts Go durations ("6h", "90m") and whole days ("7d").
func parseWindow(raw string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 || n > application.MaxRetentionDays {
			return 0, fmt.Errorf("invalid window %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid window %q", raw)
	}
	return d, nil
}

// decodeOptionalBody decodes JSON into v, treating an empty body as {}.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ericfisherdev/zonepoll/internal/application"
	"github.com/ericfisherdev/zonepoll/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// AuthResponse is the token lifecycle state. Tokens themselves are never exposed.
type AuthResponse struct {
	State     string `json:"state"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Version   int64  `json:"version"`
}

// ScheduleResponse is the poll scheduler's plan.
type ScheduleResponse struct {
	Mode           string           `json:"mode"`
	Interval       string           `json:"interval"`
	NextDueAt      string           `json:"next_due_at,omitempty"`
	NextDueIn      string           `json:"next_due_in,omitempty"`
	LastFullSync   string           `json:"last_full_sync,omitempty"`
	PendingRefresh *RefreshResponse `json:"pending_refresh,omitempty"`
}

// RateLimitResponse is the current quota estimate.
type RateLimitResponse struct {
	Limit      int    `json:"limit"`
	Used       int    `json:"used"`
	Remaining  int    `json:"remaining"`
	ResetAt    string `json:"reset_at"`
	ResetIn    string `json:"reset_in"`
	Confidence string `json:"confidence"`
	ObservedAt string `json:"observed_at"`
}

// StatusResponse combines auth, schedule and quota state.
type StatusResponse struct {
	Auth      AuthResponse      `json:"auth"`
	Schedule  ScheduleResponse  `json:"schedule"`
	RateLimit RateLimitResponse `json:"rate_limit"`
}

// CallRecordResponse is one ledger entry.
type CallRecordResponse struct {
	Timestamp string `json:"timestamp"`
	CallType  string `json:"call_type"`
	Outcome   string `json:"outcome"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// CallsResponse is the ledger within a window.
type CallsResponse struct {
	Window        string               `json:"window"`
	RetentionDays int                  `json:"retention_days"`
	Total         int                  `json:"total"`
	Counts        map[string]int       `json:"counts"`
	Records       []CallRecordResponse `json:"records"`
}

// RefreshRequest is the optional JSON body of the refresh endpoint.
type RefreshRequest struct {
	Reason string `json:"reason"`
}

// RefreshResponse identifies an immediate refresh request.
type RefreshResponse struct {
	ID      string `json:"id"`
	Reason  string `json:"reason,omitempty"`
	Skipped bool   `json:"skipped"`
}

// OverlayRequest is the JSON body of the set overlay endpoint. A zero
// duration keeps the overlay until the next manual change.
type OverlayRequest struct {
	ZoneType        string  `json:"zone_type"`
	Power           bool    `json:"power"`
	Temperature     float64 `json:"temperature"`
	DurationMinutes int     `json:"duration_minutes"`
}

// PresenceRequest is the JSON body of the presence endpoint.
type PresenceRequest struct {
	Presence string `json:"presence"`
}

// OffsetRequest is the JSON body of the temperature offset endpoint.
type OffsetRequest struct {
	Celsius *float64 `json:"celsius"`
}

// AwayRequest is the JSON body of the away configuration endpoint.
// ComfortLevel defaults to 50 in auto mode.
type AwayRequest struct {
	Mode         string  `json:"mode"`
	Temperature  float64 `json:"temperature"`
	ComfortLevel *int    `json:"comfort_level"`
}

// MeterReadingRequest is the JSON body of the meter reading endpoint. An
// empty date means today.
type MeterReadingRequest struct {
	Reading *int   `json:"reading"`
	Date    string `json:"date"`
}

// RetentionRequest is the JSON body of the retention endpoint.
type RetentionRequest struct {
	Days *int `json:"days"`
}

// RetentionResponse echoes the applied retention.
type RetentionResponse struct {
	RetentionDays int `json:"retention_days"`
}

// ActionResponse reports the follow-up refresh of a user action.
type ActionResponse struct {
	Refresh *RefreshResponse `json:"refresh,omitempty"`
}

// DeviceAuthResponse tells the user where to approve the device.
type DeviceAuthResponse struct {
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	UserCode                string `json:"user_code"`
	ExpiresAt               string `json:"expires_at"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAuthResponse(s application.TokenStatus) AuthResponse {
	return AuthResponse{
		State:     string(s.State),
		ExpiresAt: formatTime(s.ExpiresAt),
		Version:   s.Version,
	}
}

func toScheduleResponse(st model.ScheduleState, now time.Time) ScheduleResponse {
	resp := ScheduleResponse{
		Mode:         string(st.Mode),
		Interval:     st.Interval.String(),
		NextDueAt:    formatTime(st.NextDueAt),
		LastFullSync: formatTime(st.LastFullSync),
	}
	if !st.NextDueAt.IsZero() {
		resp.NextDueIn = humanize.RelTime(st.NextDueAt, now, "ago", "from now")
	}
	if p := st.PendingImmediateRefresh; p != nil {
		resp.PendingRefresh = &RefreshResponse{ID: p.ID, Reason: p.Reason}
	}
	return resp
}

func toRateLimitResponse(snap model.RateLimitSnapshot, now time.Time) RateLimitResponse {
	return RateLimitResponse{
		Limit:      snap.Limit,
		Used:       snap.Used,
		Remaining:  snap.Remaining(),
		ResetAt:    formatTime(snap.ResetAt),
		ResetIn:    humanize.RelTime(snap.ResetAt, now, "ago", "from now"),
		Confidence: string(snap.Confidence),
		ObservedAt: formatTime(snap.ObservedAt),
	}
}

func toCallRecordResponse(rec model.CallRecord) CallRecordResponse {
	return CallRecordResponse{
		Timestamp: formatTime(rec.Timestamp),
		CallType:  string(rec.CallType),
		Outcome:   rec.Outcome.String(),
		Endpoint:  rec.Endpoint,
	}
}

func toActionResponse(res application.ActionResult) ActionResponse {
	if res.Refresh.ID == "" {
		return ActionResponse{}
	}
	return ActionResponse{Refresh: &RefreshResponse{ID: res.Refresh.ID, Skipped: res.Refresh.Skipped}}
}

package model

// CallType names the logical operation an outbound API call belongs to.
type CallType string

const (
	CallTypeQuickSync           CallType = "quick-sync"
	CallTypeFullSync            CallType = "full-sync"
	CallTypeImmediateRefresh    CallType = "immediate-refresh"
	CallTypeHomeLookup          CallType = "home-lookup"
	CallTypeActionClimateSet    CallType = "action-climate-set"
	CallTypeActionClimateResume CallType = "action-climate-resume"
	CallTypeActionPresenceSet   CallType = "action-presence-set"
	CallTypeActionOffsetSet     CallType = "action-offset-set"
	CallTypeActionAwayConfig    CallType = "action-away-config"
	CallTypeActionIdentify      CallType = "action-identify"
	CallTypeActionMeterReading  CallType = "action-meter-reading"
	CallTypeTokenRefresh        CallType = "action-token-refresh"
	CallTypeDeviceAuth          CallType = "device-auth"
)

// CountsAgainstQuota reports whether calls of this type are billed against the
// daily API quota. OAuth endpoints live on a separate host and are not.
func (c CallType) CountsAgainstQuota() bool {
	switch c {
	case CallTypeTokenRefresh, CallTypeDeviceAuth:
		return false
	default:
		return true
	}
}

// OutcomeKind classifies the result of an outbound call.
type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeHTTPError      OutcomeKind = "http_error"
	OutcomeTransportError OutcomeKind = "transport_error"
	OutcomeRateLimited    OutcomeKind = "rate_limited"
)

// Confidence describes how a rate-limit reset time was derived.
type Confidence string

const (
	ConfidenceHeaderExact   Confidence = "header-exact"   // Reset read directly from a response header.
	ConfidenceHeaderPartial Confidence = "header-partial" // Usage headers present, reset inferred from the window anchor.
	ConfidenceEstimated     Confidence = "estimated"      // No headers; reset inferred from call history.
)

// ScheduleMode is the time-of-day band the poll scheduler is operating in.
type ScheduleMode string

const (
	ScheduleModeDay   ScheduleMode = "day"
	ScheduleModeNight ScheduleMode = "night"
)

// AuthState is the token lifecycle state.
type AuthState string

const (
	AuthStateUnauthorized         AuthState = "unauthorized" // No credential stored yet.
	AuthStateIdle                 AuthState = "idle"
	AuthStateRefreshing           AuthState = "refreshing"
	AuthStateNeedsReauthorization AuthState = "needs_reauthorization"
)

// DeviceAuthOutcome is the terminal state of a device authorization attempt.
type DeviceAuthOutcome string

const (
	DeviceAuthAuthorized DeviceAuthOutcome = "authorized"
	DeviceAuthExpired    DeviceAuthOutcome = "expired"
	DeviceAuthDenied     DeviceAuthOutcome = "denied"
)

// PresenceState is the home presence lock value.
type PresenceState string

const (
	PresenceHome PresenceState = "HOME"
	PresenceAway PresenceState = "AWAY"
)

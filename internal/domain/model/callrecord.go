package model

import (
	"fmt"
	"time"
)

// Outcome is the result of one outbound call. StatusCode is set for
// OutcomeHTTPError and OutcomeRateLimited.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	StatusCode int         `json:"status_code,omitempty"`
}

// String renders the outcome as "success", "http_error(404)" and so on.
func (o Outcome) String() string {
	if o.Kind == OutcomeHTTPError {
		return fmt.Sprintf("%s(%d)", o.Kind, o.StatusCode)
	}
	return string(o.Kind)
}

// CallRecord is one entry of the call history ledger. Records are immutable
// once appended.
type CallRecord struct {
	Timestamp time.Time `json:"timestamp"`
	CallType  CallType  `json:"call_type"`
	Outcome   Outcome   `json:"outcome"`
	Endpoint  string    `json:"endpoint,omitempty"`
}

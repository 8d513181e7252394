package model

import "time"

// RateLimitSnapshot is the estimator's current view of the daily call quota.
// Used may transiently exceed Limit when headers disagree.
type RateLimitSnapshot struct {
	Limit      int        `json:"limit"`
	Used       int        `json:"used"`
	ResetAt    time.Time  `json:"reset_at"`
	Confidence Confidence `json:"confidence"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Remaining returns the calls left in the current window, never negative.
func (s RateLimitSnapshot) Remaining() int {
	if s.Used >= s.Limit {
		return 0
	}
	return s.Limit - s.Used
}

// Exhausted reports whether no calls remain in the current window.
func (s RateLimitSnapshot) Exhausted() bool {
	return s.Limit > 0 && s.Used >= s.Limit
}

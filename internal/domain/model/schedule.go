package model

import "time"

// RefreshRequest is an out-of-schedule poll requested after a user action.
type RefreshRequest struct {
	ID          string
	Reason      string
	RequestedAt time.Time
}

// ScheduleState is the poll scheduler's current plan.
type ScheduleState struct {
	Mode                    ScheduleMode
	Interval                time.Duration
	NextDueAt               time.Time
	LastFullSync            time.Time
	PendingImmediateRefresh *RefreshRequest
}

// TickReport summarizes one completed poll for outbound notification.
type TickReport struct {
	CallType  CallType
	Outcome   Outcome
	Calls     int
	NextDueAt time.Time
}

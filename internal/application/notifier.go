package application

import "github.com/ericfisherdev/zonepoll/internal/domain/model"

// nopNotifier discards all events.
type nopNotifier struct{}

func (nopNotifier) RateLimitUpdated(model.RateLimitSnapshot) {}
func (nopNotifier) TickCompleted(model.TickReport)          {}
func (nopNotifier) ReauthorizationRequired(string)          {}

package driven

import "github.com/ericfisherdev/zonepoll/internal/domain/model"

// Notifier receives the events the scheduling core emits for its collaborators.
// Implementations must not block.
type Notifier interface {
	RateLimitUpdated(snap model.RateLimitSnapshot)
	TickCompleted(report model.TickReport)
	ReauthorizationRequired(reason string)
}

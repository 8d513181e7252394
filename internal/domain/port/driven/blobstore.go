package driven

import "context"

// Logical blob names used by the core.
const (
	BlobLedger    = "ledger"
	BlobRateLimit = "ratelimit"
	BlobSchedule  = "schedule"
	BlobHome      = "home"
	BlobRetention = "retention"
)

// ResourceBlob returns the blob name under which the latest payload of an API
// resource (zoneStates, weather, ...) is kept.
func ResourceBlob(resource string) string {
	return "resource/" + resource
}

// BlobStore defines the driven port for opaque key-value persistence.
// Writes are atomic per name.
type BlobStore interface {
	// Get returns the blob stored under name, or (nil, nil) if none exists.
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) error
	// Delete removes the blob. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error
}

package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
)

// ErrEncryptionKeyNotSet is returned by CredentialStore operations when
// ZONEPOLL_SECRET_KEY has not been configured.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set ZONEPOLL_SECRET_KEY")

// CredentialStore defines the driven port for encrypted credential persistence.
// The adapter is responsible for encryption; this interface operates on
// plaintext values at the domain boundary.
type CredentialStore interface {
	// Load returns the stored credential, or (nil, nil) if none exists.
	Load(ctx context.Context) (*model.Credential, error)

	// Save atomically replaces the stored credential.
	Save(ctx context.Context, cred model.Credential) error

	// Delete removes the stored credential.
	Delete(ctx context.Context) error
}

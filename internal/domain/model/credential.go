package model

import "time"

// Credential is the OAuth2 token pair used to authorize API calls. The refresh
// token is single-use: every successful exchange replaces the whole value and
// bumps Version.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Version      int64     `json:"version"`
}

// ValidFor reports whether the access token is still usable at now for at
// least margin.
func (c Credential) ValidFor(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// DeviceAuthorization is a pending RFC 8628 device authorization the end user
// must approve at VerificationURI.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Interval                time.Duration
	ExpiresAt               time.Time
}

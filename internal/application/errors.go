package application

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ericfisherdev/zonepoll/internal/domain/model"
	"github.com/ericfisherdev/zonepoll/internal/domain/port/driven"
)

var (
	// ErrNotAuthorized is returned when no credential has been stored yet.
	ErrNotAuthorized = errors.New("not authorized: run device authorization first")

	// ErrNeedsReauthorization is returned once the refresh token has been
	// rejected. It is terminal until the user completes device authorization.
	ErrNeedsReauthorization = errors.New("refresh token rejected: device authorization required")

	// ErrNotRunning is returned by immediate refresh requests made before the
	// poll loop has started or after it has stopped.
	ErrNotRunning = errors.New("poll service not running")
)

// HTTPError is a non-2xx response from the API.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// RateLimited reports whether the response signalled quota exhaustion.
func (e *HTTPError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// AuthError is a refresh or device-code exchange the authorization server
// rejected. It matches ErrNeedsReauthorization under errors.Is.
type AuthError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization rejected (HTTP %d %s): %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("authorization rejected (HTTP %d %s)", e.StatusCode, e.Code)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrNeedsReauthorization
}

// IsTransient reports whether err is worth retrying under a backoff policy:
// network failures and rate limiting. Everything else is surfaced.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *driven.TransportError
	if errors.As(err, &te) {
		return true
	}

	var he *HTTPError
	if errors.As(err, &he) {
		return he.RateLimited()
	}
	return false
}

// IsRateLimited reports whether err carries an HTTP 429.
func IsRateLimited(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.RateLimited()
}

// outcomeFor classifies err for the call ledger.
func outcomeFor(err error) model.Outcome {
	if err == nil {
		return model.Outcome{Kind: model.OutcomeSuccess}
	}

	var he *HTTPError
	if errors.As(err, &he) {
		if he.RateLimited() {
			return model.Outcome{Kind: model.OutcomeRateLimited, StatusCode: he.StatusCode}
		}
		return model.Outcome{Kind: model.OutcomeHTTPError, StatusCode: he.StatusCode}
	}

	var ae *AuthError
	if errors.As(err, &ae) {
		return model.Outcome{Kind: model.OutcomeHTTPError, StatusCode: ae.StatusCode}
	}

	return model.Outcome{Kind: model.OutcomeTransportError}
}

// outcomeForStatus classifies a completed HTTP round-trip.
func outcomeForStatus(status int) model.Outcome {
	switch {
	case status >= 200 && status < 300:
		return model.Outcome{Kind: model.OutcomeSuccess}
	case status == http.StatusTooManyRequests:
		return model.Outcome{Kind: model.OutcomeRateLimited, StatusCode: status}
	default:
		return model.Outcome{Kind: model.OutcomeHTTPError, StatusCode: status}
	}
}

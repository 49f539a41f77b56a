package directory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthExpired reports a 401 from the query endpoint. Callers may force
	// one re-authentication before giving up.
	ErrAuthExpired = errors.New("directory: access token rejected")
	// ErrMalformedResponse reports a response body that is not the expected JSON.
	ErrMalformedResponse = errors.New("directory: malformed response")
)

// AuthenticationError reports missing credentials or a rejected token request.
type AuthenticationError struct {
	Missing []string // credential names that are not configured
	Status  int      // HTTP status from the identity endpoint, 0 if not reached
	Body    string
	Err     error
}

func (e *AuthenticationError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return "directory: missing credentials: " + strings.Join(e.Missing, ", ")
	case e.Status != 0:
		return fmt.Sprintf("directory: failed to obtain access token (%d): %s", e.Status, e.Body)
	case e.Err != nil:
		return "directory: authentication failed: " + e.Err.Error()
	default:
		return "directory: authentication failed"
	}
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// QueryError reports a failed account query.
type QueryError struct {
	Status int
	Body   string
	Err    error
}

func (e *QueryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("directory: failed to query accounts (%d): %s", e.Status, e.Body)
	}
	if e.Err != nil {
		return "directory: failed to query accounts: " + e.Err.Error()
	}
	return "directory: failed to query accounts"
}

func (e *QueryError) Unwrap() error { return e.Err }

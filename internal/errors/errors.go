package errors

import "errors"

// Authentication errors. All of these surface to callers as a bare 401.
var (
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrProviderDisabled     = errors.New("authentication provider disabled")
	ErrMalformedCredentials = errors.New("malformed credentials")
	ErrStateMismatch        = errors.New("oauth2 state mismatch")
	ErrTokenExchange        = errors.New("oauth2 code exchange failed")
	ErrUserinfo             = errors.New("oauth2 userinfo request failed")
	ErrMissingEmail         = errors.New("userinfo document has no value at email path")
)

// Server/filesystem errors.
var (
	ErrDirectory = errors.New("preparing download directory failed")
)

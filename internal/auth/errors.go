package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrDuplicateAccount   = errors.New("auth: account already exists")
	ErrUnknownUser        = errors.New("auth: unknown user")
	ErrAlreadyHasRole     = errors.New("auth: role already granted")
	ErrNoValidTokens      = errors.New("auth: no valid tokens")
	ErrDenied             = errors.New("auth: access denied")

	// ErrInvalidToken covers every token that must not be honoured.
	// The finer causes below wrap it, so errors.Is(err, ErrInvalidToken) holds for all of them.
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrMalformedToken   = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrInvalidSignature = fmt.Errorf("%w: bad signature", ErrInvalidToken)
	ErrTokenExpired     = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrWrongTokenKind   = fmt.Errorf("%w: unexpected kind", ErrInvalidToken)

	// ErrRevoked means the signature verifies but the tid is no longer whitelisted.
	ErrRevoked = errors.New("auth: token revoked")
)

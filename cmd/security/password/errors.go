package password

import "errors"

// Public, stable errors for callers.
var (
	ErrPasswordTooShort  = errors.New("password too short")
	ErrPasswordTooLong   = errors.New("password too long")
	ErrWeakPassword      = errors.New("weak password")
	ErrInvalidCharacter  = errors.New("password contains invalid characters")
	ErrInvalidDescriptor = errors.New("invalid key descriptor")
)

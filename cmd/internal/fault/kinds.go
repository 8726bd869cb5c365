package fault

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to wire codes).
var (
	ErrVaultLocked        = errors.New("vault_locked")
	ErrWrongPassword      = errors.New("wrong_password")
	ErrAlreadyInitialized = errors.New("already_initialized")
	ErrNotInitialized     = errors.New("not_initialized")
	ErrDuplicateShip      = errors.New("duplicate_ship")
	ErrUnknownShip        = errors.New("unknown_ship")
	ErrPermissionDenied   = errors.New("permission_denied")
	ErrConnectionFailed   = errors.New("connection_failed")
	ErrAuthFailed         = errors.New("auth_failed")
	ErrTransport          = errors.New("transport_error")
	ErrShip               = errors.New("ship_error")
	ErrShipDisconnected   = errors.New("ship_disconnected")
	ErrTimeout            = errors.New("timeout")
	ErrUnrecognizedAction = errors.New("unrecognized_action")
	ErrInvalidInput       = errors.New("invalid_input")
	ErrUnrecoverable      = errors.New("unrecoverable")
)

var kinds = []error{
	ErrVaultLocked,
	ErrWrongPassword,
	ErrAlreadyInitialized,
	ErrNotInitialized,
	ErrDuplicateShip,
	ErrUnknownShip,
	ErrPermissionDenied,
	ErrConnectionFailed,
	ErrAuthFailed,
	ErrTransport,
	ErrShip,
	ErrShipDisconnected,
	ErrTimeout,
	ErrUnrecognizedAction,
	ErrInvalidInput,
	ErrUnrecoverable,
}

package phone

import "errors"

var (
	ErrNoSession           = errors.New("no active call session")
	ErrInvalidState        = errors.New("operation not valid in current call state")
	ErrInvalidDTMF         = errors.New("invalid DTMF tone")
	ErrInvalidTarget       = errors.New("transfer target is required")
	ErrAlreadyActive       = errors.New("a call session is already active")
	ErrNotRegistered       = errors.New("user agent is not registered")
	ErrRegistrationTimeout = errors.New("registration timed out")
	ErrRegistrationFailed  = errors.New("registration failed")
	ErrDisconnected        = errors.New("signaling disconnected before registration")
	ErrDestroyed           = errors.New("user agent destroyed")
)

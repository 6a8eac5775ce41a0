package session

import "errors"

// Errors returned to UI-facing callers.  They wrap the underlying cause, so
// both errors.Is on these values and on backend errors work.
var (
	// ErrInvalidCredentials: the backend rejected login credentials (4xx).
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRegistrationRejected: the backend rejected a registration (4xx).
	ErrRegistrationRejected = errors.New("registration failed")
	// ErrHandshake: the anti-forgery handshake failed; nothing was sent.
	ErrHandshake = errors.New("csrf handshake failed")
	// ErrResolve: the identity could not be resolved; the session was cleared.
	ErrResolve = errors.New("could not resolve current user")
	// ErrPasswordMismatch: password and confirmation differ.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrMissingField: a required form field is empty.
	ErrMissingField = errors.New("required field missing")
	// ErrSuperseded: a newer operation changed the credential while this one
	// was in flight; its result was discarded.
	ErrSuperseded = errors.New("session changed while resolving")
)

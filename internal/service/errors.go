package service

import "errors"

// Missing-prerequisite errors are recoverable: callers should trigger the
// corrective flow (publish keys, establish a session, request
// redistribution) and retry. Authenticity failures come from cryptocore and
// are always fatal to the operation.
var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrUserKeysNotFound        = errors.New("user keys not found")
	ErrSessionNotFound         = errors.New("session not found")
	ErrSenderKeyNotDistributed = errors.New("sender key not distributed")
	ErrDuplicateMessage        = errors.New("duplicate message")
)

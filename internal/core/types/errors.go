package types

import "errors"

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrTaskTimeout       = errors.New("task time limit exceeded")
	ErrValidatorFailure  = errors.New("validator failure")
	ErrWorkerCrashed     = errors.New("worker crashed")
	ErrTaskRevoked       = errors.New("task revoked")
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTaskClass  = errors.New("invalid task class")
	ErrInvalidPayload    = errors.New("invalid task payload")
)

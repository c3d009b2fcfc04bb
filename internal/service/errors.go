package service

import "errors"

var (
	// ErrNoActiveQuestions is returned when a session would start with nothing to ask
	ErrNoActiveQuestions = errors.New("no active questions")
	// ErrStaleQuestion marks a session pointing at a deleted or inactive question
	ErrStaleQuestion = errors.New("current question is no longer active")
	// ErrPersistence wraps storage failures during a session mutation
	ErrPersistence = errors.New("persistence failed")
	// ErrSessionCompleted is returned when advancing a frozen session
	ErrSessionCompleted = errors.New("session already completed")
	// ErrNotFound is returned by stores for missing records
	ErrNotFound = errors.New("not found")
	// ErrCallNotFound is returned for unknown external check calls
	ErrCallNotFound = errors.New("external check call not found")
	// ErrCallInFlight is returned when a call is already pending
	ErrCallInFlight = errors.New("external check call is already pending")
	// ErrCallNotRetryable is returned when retrying a call that succeeded
	ErrCallNotRetryable = errors.New("external check call is not in a retryable state")
	// ErrCallStateChanged is returned when a result is recorded for a call that is no longer pending
	ErrCallStateChanged = errors.New("external check call is no longer pending")
)

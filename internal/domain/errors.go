package domain

import "errors"

var (
	// ErrNoValidKeys means every field of a request was outside the caller's allowlist.
	ErrNoValidKeys = errors.New("no valid keys")

	// ErrForbidden means the caller's tier may not send this message.
	ErrForbidden = errors.New("forbidden for this tier")

	// ErrControllerUnavailable means the background controller did not answer in time.
	ErrControllerUnavailable = errors.New("background controller unavailable")

	// ErrEmptyTask means a focus session was started without a task.
	ErrEmptyTask = errors.New("task is empty")

	// ErrJustificationTooShort means fewer than the required non-whitespace characters.
	ErrJustificationTooShort = errors.New("justification too short")

	// ErrNoPendingNavigation means there is nothing to justify for the target.
	ErrNoPendingNavigation = errors.New("no pending navigation for target")

	// ErrUnknownMessage means the request type is not part of the protocol.
	ErrUnknownMessage = errors.New("unknown message type")
)

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMediaserver means the engine is not ready or not found.
	ErrNoMediaserver = errors.New("no mediaserver")
	// ErrEngineNotFound means no engine is registered under the given id.
	ErrEngineNotFound = errors.New("engine not found")
	// ErrIncompatibleVersion means a connect hit a running instance with a
	// different version/release/credential set.
	ErrIncompatibleVersion = errors.New("incompatible version")
	// ErrAlreadyStarted means a connect matched a running instance.
	ErrAlreadyStarted = errors.New("already started")

	ErrMissingOffer      = errors.New("missing offer")
	ErrMissingParameters = errors.New("missing parameters")

	ErrRoomAlreadyExists = errors.New("room already exists")
	ErrRoomNotFound      = errors.New("room not found")

	ErrSessionNotFound = errors.New("session not found")

	ErrNoActiveRecorder = errors.New("no active recorder")
	ErrNoActivePlayer   = errors.New("no active player")

	// ErrInternal covers unexpected backend response shapes.
	ErrInternal = errors.New("internal error")
	// ErrTimeout is returned when a bounded call gets no reply in time.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned for calls issued against a dead
	// backend connection.
	ErrConnectionClosed = errors.New("backend connection closed")
)

// OpError wraps a backend failure with the operation that hit it, so the
// caller sees e.g. "echo: <backend reason>".
type OpError struct {
	Op     string
	Reason error
}

func (e *OpError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Reason) }

func (e *OpError) Unwrap() error { return e.Reason }

// WrapOp tags err with the operation name; nil passes through.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Reason: err}
}

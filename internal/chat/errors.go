package chat

import (
	"errors"
	"fmt"
)

// AuthError is returned when the credential is missing or rejected. It is
// fatal for the attempt that produced it and never retried automatically.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotConnectedError is returned by a realtime invoke while the handle is not
// connected. Callers recover by using the REST path.
type NotConnectedError struct {
	ConversationID string
	State          string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("realtime channel for conversation %s not connected (state %s)", e.ConversationID, e.State)
}

// TransientNetworkError wraps connection drops and timeouts.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// SendFailedError is returned when both the realtime and the REST path failed
// for one send. The message stays in the timeline marked Failed.
type SendFailedError struct {
	LocalKey string
	Realtime error
	REST     error
}

func (e *SendFailedError) Error() string {
	if e.Realtime != nil {
		return fmt.Sprintf("send %s failed: realtime: %v; rest: %v", e.LocalKey, e.Realtime, e.REST)
	}
	return fmt.Sprintf("send %s failed: %v", e.LocalKey, e.REST)
}

func (e *SendFailedError) Unwrap() []error {
	var errs []error
	if e.Realtime != nil {
		errs = append(errs, e.Realtime)
	}
	if e.REST != nil {
		errs = append(errs, e.REST)
	}
	return errs
}

// NotFoundError is returned when a list endpoint has nothing for the caller.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// IsAuth reports whether err carries an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNotFound reports whether err carries a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err carries a *TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsNotConnected reports whether err carries a *NotConnectedError.
func IsNotConnected(err error) bool {
	var nc *NotConnectedError
	return errors.As(err, &nc)
}

package mcpsse

import (
	"errors"
	"fmt"
)

var (
	// ErrOriginMismatch is returned by Connect when the endpoint advertised by
	// the server does not share scheme and host with the stream URL.
	ErrOriginMismatch = errors.New("endpoint origin does not match stream origin")

	// ErrStreamClosed is reported to the failure handler when the inbound
	// queue is closed because the event stream ended.
	ErrStreamClosed = errors.New("event stream closed")

	// ErrSessionClosed is returned by session operations after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotAcquired is returned by RequestResponder.Respond and Cancel when
	// the responder has not been acquired.
	ErrNotAcquired = errors.New("responder not acquired")

	// ErrNotInitialized is returned by ClientSession operations invoked before
	// Initialize completed.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrAlreadyResponded is returned by RequestResponder.Respond when a
	// response or cancellation has already been sent for the request.
	ErrAlreadyResponded = errors.New("request already responded to")
)

// TimeoutError is returned by SendRequest when no response arrives within the
// configured read timeout.
type TimeoutError struct {
	// Code is an HTTP-style status code, 408 for request timeouts.
	Code int
	// Method is the method name of the request that timed out.
	Method string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for response to %s, code: %d", e.Method, e.Code)
}

// UnmatchedResponseError reports a response whose id has no pending request,
// typically because the caller already timed out. It is delivered to the
// failure handler, never to a caller.
type UnmatchedResponseError struct {
	ID RequestID
}

func (e UnmatchedResponseError) Error() string {
	return fmt.Sprintf("received response with unknown request id: %s", e.ID)
}

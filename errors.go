package gocluster

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure categories callers branch on. Wrapped
// errors carry detail; match with errors.Is.
var (
	// ErrAuthentication covers every pairing failure: wrong code,
	// expired code, reused code. Callers cannot tell which.
	ErrAuthentication = errors.New("gocluster: authentication failed")

	// ErrNetwork covers transport faults: dial, read and write failures
	// and closed streams.
	ErrNetwork = errors.New("gocluster: network failure")

	// ErrProtocol covers malformed, oversized or undecryptable frames
	// and unexpected envelope kinds. Always fatal to the connection.
	ErrProtocol = errors.New("gocluster: protocol violation")

	// ErrSerialization covers values outside the wire value model and
	// undecodable payloads.
	ErrSerialization = errors.New("gocluster: serialization failure")

	// ErrNoWorkerAvailable is returned by dispatch when no worker can
	// take the call. No network I/O has happened.
	ErrNoWorkerAvailable = errors.New("gocluster: no worker available")

	// ErrWorkerDisconnected resolves calls whose assigned worker's
	// connection died before a response arrived.
	ErrWorkerDisconnected = errors.New("gocluster: worker disconnected")

	// ErrCallTimeout resolves calls whose deadline elapsed.
	ErrCallTimeout = errors.New("gocluster: call timed out")

	// ErrClosed is returned once a host or dispatcher has shut down.
	ErrClosed = errors.New("gocluster: closed")
)

// RemoteError reports a failure that happened inside the remote
// function, as opposed to a transport or dispatch fault. The call was
// delivered and executed; the execution itself failed.
type RemoteError struct {
	// Kind names the failure class on the worker, e.g. the error's Go
	// type, or "panic".
	Kind string

	// Message is the error text as produced on the worker.
	Message string

	// Stack holds a stack summary for panics, empty otherwise.
	Stack string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("gocluster: remote error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("gocluster: remote error: %s", e.Message)
}

func newRemoteError(info *ErrorInfo) *RemoteError {
	return &RemoteError{Kind: info.Kind, Message: info.Message, Stack: info.Stack}
}

package stream

import (
	"errors"
	"fmt"
)

// ErrNoTargetLanguages is returned by [Fanout.Start] when the target list is
// empty. Nothing is partially created.
var ErrNoTargetLanguages = errors.New("stream: at least one target language is required")

// ErrAlreadyActive is returned by [Fanout.Start] when a session is already
// streaming.
var ErrAlreadyActive = errors.New("stream: fanout is already active")

// ConnectionError reports a failure isolated to a single language
// connection. It never cascades to sibling languages unless the failed
// connection was the last one open.
type ConnectionError struct {
	Language string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream: connection %q: %v", e.Language, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is an error payload delivered by the streaming endpoint inside
// the message stream. It does not by itself close the socket; the remote
// typically closes it afterwards.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("stream: remote error %d: %s", e.Code, e.Message)
}

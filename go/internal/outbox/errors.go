package outbox

import "errors"

var (
	// ErrListenerClosed is returned by a listener once the outbox hub was closed.
	// A closed listener cannot be resumed; create a new one from the last returned sequence.
	ErrListenerClosed = errors.New("outbox listener closed")
	ErrPayloadEncode  = errors.New("outbox payload encode")
	ErrPayloadDecode  = errors.New("outbox payload decode")
	ErrEmptyPublish   = errors.New("no payloads to publish")
)

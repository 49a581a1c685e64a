package domain

import "errors"

// Sentinel errors used across the control plane. The signal gateway maps
// these onto wire error codes; nothing below the gateway panics or throws
// across the signaling boundary.
var (
	// Capacity
	ErrNoWorkersAvailable = errors.New("no media workers available")
	ErrRoomFull           = errors.New("room is full")

	// Not found
	ErrRoomNotFound      = errors.New("room not found")
	ErrClientNotFound    = errors.New("client not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")

	// Negotiation
	ErrCannotConsume    = errors.New("cannot consume producer with given capabilities")
	ErrConsumeFailed    = errors.New("consume failed")
	ErrConnectFailed    = errors.New("transport connect failed")
	ErrDuplicateConsume = errors.New("consumer already exists for stream")

	// Lifecycle
	ErrRoomExists           = errors.New("room already exists")
	ErrClientClosed         = errors.New("client has been torn down")
	ErrNoUpstreamTransport  = errors.New("client has no upstream transport")
	ErrNotAttachedToRoom    = errors.New("client is not attached to a room")
	ErrInvalidStreamKind    = errors.New("invalid stream kind")
	ErrInvalidTransportRole = errors.New("invalid transport role")
)

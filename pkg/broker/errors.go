package broker

import "github.com/pkg/errors"

// Every rejected operation surfaces one of these causes.
// Call sites wrap them with the operation name; match with errors.Cause.
var (
	// ErrMissingParameter means a required argument was absent or empty.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrNotConnected means the operation requires a connected client that isn't registered.
	ErrNotConnected = errors.New("client not connected")
	// ErrDuplicateClient means connect was called for an id already present.
	ErrDuplicateClient = errors.New("client already connected")
	// ErrClientNotSubscribed means the publisher is not subscribed to the channel it is publishing on.
	ErrClientNotSubscribed = errors.New("client not subscribed to channel")
	// ErrUnknownChannel means the channel has no subscriber list at all.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrTargetsNotFound means none of the named target clients are in the channel.
	ErrTargetsNotFound = errors.New("no target clients found in channel")
	// ErrMissingSource means an inbound transport message lacks a usable sender handle.
	ErrMissingSource = errors.New("missing message source")
	// ErrBrokerDisabled means the call was made while the broker is globally disabled.
	ErrBrokerDisabled = errors.New("message broker is disabled")
)

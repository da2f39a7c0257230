package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected indicates the channel is gone. It is terminal for the
	// channel instance; a new one has to be started explicitly.
	ErrDisconnected = errors.New("engine_disconnected")

	// ErrQueueFull indicates the outbound queue is full; the request was
	// not sent.
	ErrQueueFull = errors.New("engine_queue_full")

	// ErrMessageTooLarge indicates a frame above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message_too_large")

	// ErrMalformedMessage indicates a frame that is not a JSON object.
	ErrMalformedMessage = errors.New("malformed_message")

	// ErrUnsupportedMessage indicates a Go value outside the closed message set.
	ErrUnsupportedMessage = errors.New("unsupported_message")
)

// UnknownMessageError reports a message type the receiver does not handle.
type UnknownMessageError struct {
	Type string
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

package protocol

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Codec Errors
// --------------------------------------------------------------------------

var (
	// ErrNotDatagramChannel is returned when a stream channel is used for a datagram
	ErrNotDatagramChannel = errors.New("channel is not a datagram channel")
	// ErrNotStreamChannel is returned when a datagram channel is used for a stream frame
	ErrNotStreamChannel = errors.New("channel is not a stream channel")
	// ErrEmptyDatagram is returned when decoding a zero length datagram
	ErrEmptyDatagram = errors.New("datagram is empty")
	// ErrInvalidStreamMagic is returned when a stream frame does not start with "MU"
	ErrInvalidStreamMagic = errors.New("invalid stream frame magic")
	// ErrUnexpectedPacketDirection is returned when a server packet arrives where a client packet was expected
	ErrUnexpectedPacketDirection = errors.New("unexpected packet direction")

	errNoPayload = errors.New("packet has no payload")
)

// VersionMismatchError is returned when a packet version differs from the codec's version
type VersionMismatchError struct {
	Expected ProtocolVersion
	Actual   ProtocolVersion
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol version mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// ChannelMismatchError is returned when a payload is sent on a channel other than its canonical one
type ChannelMismatchError struct {
	Channel  Channel
	Expected Channel
}

func (e *ChannelMismatchError) Error() string {
	return fmt.Sprintf("payload belongs on channel %s, not %s", e.Expected, e.Channel)
}

// DatagramTooLargeError is returned when a datagram exceeds the configured limit
type DatagramTooLargeError struct {
	Limit  int
	Actual int
}

func (e *DatagramTooLargeError) Error() string {
	return fmt.Sprintf("datagram too large: %d bytes (limit %d)", e.Actual, e.Limit)
}

// StreamPayloadTooLargeError is returned when a stream payload exceeds the configured limit
type StreamPayloadTooLargeError struct {
	Limit  int
	Actual int
}

func (e *StreamPayloadTooLargeError) Error() string {
	return fmt.Sprintf("stream payload too large: %d bytes (limit %d)", e.Actual, e.Limit)
}

// InvalidChannelError is returned for an unknown channel id
type InvalidChannelError struct {
	ID uint8
}

func (e *InvalidChannelError) Error() string {
	return fmt.Sprintf("invalid channel id %d", e.ID)
}

// SerializationError wraps a failure to encode or decode a packet body
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

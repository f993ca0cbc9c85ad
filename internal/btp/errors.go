package btp

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming is wrapped by every FramingError.
	ErrFraming = errors.New("btp framing error")
	// ErrUnsupportedMessageType is wrapped by every UnsupportedMessageTypeError.
	ErrUnsupportedMessageType = errors.New("unsupported btp message type")
	// ErrConnectionClosed is returned for operations on a terminated connection.
	ErrConnectionClosed = errors.New("btp connection closed")
)

// FramingError describes a frame that could not be decoded. Byte alignment of
// the stream cannot be trusted after one, so it is always fatal to the connection.
type FramingError struct {
	Offset int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", ErrFraming, e.Offset, e.Reason)
}

func (e *FramingError) Unwrap() error { return ErrFraming }

// UnsupportedMessageTypeError is returned for an unknown type tag.
type UnsupportedMessageTypeError struct {
	Type Type
}

func (e *UnsupportedMessageTypeError) Error() string {
	return fmt.Sprintf("%s: %d", ErrUnsupportedMessageType, uint8(e.Type))
}

func (e *UnsupportedMessageTypeError) Unwrap() error { return ErrUnsupportedMessageType }

// PeerError is an ERROR frame received in reply to one of our requests.
type PeerError struct {
	RequestID uint32
	Code      string
	Name      string
	Data      []byte
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("btp peer error for request %d: %s %s: %s", e.RequestID, e.Code, e.Name, string(e.Data))
}

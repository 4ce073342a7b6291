package hostserver

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionDropped    = errors.New("hostserver: connection dropped")
	ErrInvalidCorrelationID = errors.New("hostserver: correlation id 0 is reserved")
	ErrReceiveTimeout       = errors.New("hostserver: receive timed out")

	errWriteInProgress = errors.New("hostserver: stream busy with another write")

	// ErrMalformed is wrapped by parsers that received bytes they cannot frame.
	ErrMalformed = errors.New("hostserver: malformed data stream")
)

// TransportError records an I/O failure on the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("hostserver: %s: %s", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError records a stream the peer framed incorrectly, or a fault raised
// by the parser itself.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("hostserver: %s: %s", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

func classify(op string, err error) error {
	var (
		te *TransportError
		pe *ProtocolError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &pe):
		return err
	case errors.Is(err, ErrMalformed):
		return &ProtocolError{Op: op, Err: err}
	default:
		return &TransportError{Op: op, Err: err}
	}
}

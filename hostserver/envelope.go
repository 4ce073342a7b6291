package hostserver

import (
	"bufio"
	"io"
)

// Envelope is a protocol message as seen by the multiplexer. The payload is
// opaque; only the correlation id and the kind tag are interpreted here.
type Envelope interface {
	CorrelationID() uint32
	SetCorrelationID(id uint32)

	// Kind tags which request/reply type this envelope is. Used for logging.
	Kind() uint16

	// WriteTo writes the full on-wire form of the envelope, correlation id included.
	io.WriterTo
}

// Releaser is implemented by envelopes that hold reusable resources. Release is
// called when an envelope is dropped because its correlation id was discarded.
type Releaser interface {
	Release()
}

// Parser constructs the next envelope from the connection's input stream. It is
// only ever called from the connection's reader goroutine.
//
// Malformed input should be reported by wrapping ErrMalformed. Any other error
// is treated as a transport failure.
type Parser interface {
	Parse(r *bufio.Reader) (Envelope, error)
}

type ParserFunc func(r *bufio.Reader) (Envelope, error)

func (fn ParserFunc) Parse(r *bufio.Reader) (Envelope, error) { return fn(r) }

func release(env Envelope) {
	if r, ok := env.(Releaser); ok {
		r.Release()
	}
}

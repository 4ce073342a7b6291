// Package datastream provides a length-framed envelope for the hostserver
// multiplexer.
//
// Every frame starts with a fixed header, all fields big endian:
//
//	[0:4]  total frame length, header included
//	[4:8]  correlation id
//	[8:10] kind
//
// followed by the opaque payload.
package datastream

import (
	"bufio"
	"fmt"
	"io"

	"github.com/IBM/JTOpen-sub019/hostserver"
	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

const (
	HeaderSize   = 4 + 4 + 2
	MaxFrameSize = 16 << 20
)

var _ hostserver.Envelope = (*Frame)(nil)
var _ hostserver.Releaser = (*Frame)(nil)

// Parser parses frames off a hostserver connection.
var Parser hostserver.Parser = hostserver.ParserFunc(Parse)

type Frame struct {
	ID      uint32 // correlation id
	Type    uint16 // kind
	Payload []byte

	buf *bytebufferpool.ByteBuffer // backs Payload for parsed frames
}

func New(kind uint16, payload []byte) *Frame {
	return &Frame{Type: kind, Payload: payload}
}

func (f *Frame) CorrelationID() uint32      { return f.ID }
func (f *Frame) SetCorrelationID(id uint32) { f.ID = id }
func (f *Frame) Kind() uint16               { return f.Type }

// Size is the encoded length of the frame.
func (f *Frame) Size() int { return HeaderSize + len(f.Payload) }

func (f *Frame) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(f.Size()))
	dst = bytesutil.AppendUint32BE(dst, f.ID)
	dst = bytesutil.AppendUint16BE(dst, f.Type)
	dst = append(dst, f.Payload...)
	return dst
}

func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	if f.Size() > MaxFrameSize {
		return 0, fmt.Errorf("datastream: frame of %d bytes exceeds limit of %d bytes", f.Size(), MaxFrameSize)
	}

	if bb, ok := w.(*bytebufferpool.ByteBuffer); ok {
		n := len(bb.B)
		bb.B = f.AppendTo(bb.B)
		return int64(len(bb.B) - n), nil
	}

	n, err := w.Write(f.AppendTo(make([]byte, 0, f.Size())))
	return int64(n), err
}

// Release returns the payload buffer of a parsed frame to its pool. The
// payload must not be used afterwards.
func (f *Frame) Release() {
	if f.buf == nil {
		return
	}
	bytebufferpool.Put(f.buf)
	f.buf = nil
	f.Payload = nil
}

// Parse reads one frame from r.
func Parse(r *bufio.Reader) (hostserver.Envelope, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func ReadFrame(r *bufio.Reader) (*Frame, error) {
	hdr, err := r.Peek(HeaderSize)
	if err != nil {
		return nil, err
	}

	size := bytesutil.Uint32BE(hdr[:4])
	if size < HeaderSize || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", hostserver.ErrMalformed, size)
	}

	f := &Frame{
		ID:   bytesutil.Uint32BE(hdr[4:8]),
		Type: bytesutil.Uint16BE(hdr[8:10]),
	}

	if _, err := r.Discard(HeaderSize); err != nil {
		return nil, err
	}

	n := int(size) - HeaderSize
	if n == 0 {
		return f, nil
	}

	f.buf = bytebufferpool.Get()
	if cap(f.buf.B) < n {
		f.buf.B = make([]byte, n)
	} else {
		f.buf.B = f.buf.B[:n]
	}

	if _, err := io.ReadFull(r, f.buf.B); err != nil {
		bytebufferpool.Put(f.buf)
		return nil, err
	}
	f.Payload = f.buf.B

	return f, nil
}

package hostserver

import (
	"context"
	"net"
)

// Dial connects to addr and wraps the connection in a Conn.
func Dial(ctx context.Context, network, addr string, parser Parser, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return NewConn(nc, parser, opts...), nil
}

package hostserver

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReadBufferSize = 4096

	// DefaultTerminateTimeout bounds the termination message written by
	// ForceDisconnect when no write timeout is set.
	DefaultTerminateTimeout = time.Second
)

type Option func(*connConfig)

type connConfig struct {
	logger         *zap.Logger
	readBufferSize int
	writeTimeout   time.Duration

	// terminator builds the message written to the peer on ForceDisconnect.
	// nil means no polite termination is sent.
	terminator func() Envelope

	// firstID is the first correlation id handed out by Send.
	firstID uint32
}

func defaultConnConfig() connConfig {
	return connConfig{
		logger:         zap.NewNop(),
		readBufferSize: DefaultReadBufferSize,
		firstID:        1,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *connConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithReadBufferSize(n int) Option {
	return func(c *connConfig) {
		if n > 0 {
			c.readBufferSize = n
		}
	}
}

// WithWriteTimeout bounds every write when the stream supports write deadlines.
// It also bounds the termination message sent by ForceDisconnect.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *connConfig) { c.writeTimeout = d }
}

// WithTerminator sets the message sent best-effort to the peer before the
// stream is closed by ForceDisconnect.
func WithTerminator(fn func() Envelope) Option {
	return func(c *connConfig) { c.terminator = fn }
}

// WithFirstID sets the first correlation id Send assigns. Zero is ignored.
func WithFirstID(id uint32) Option {
	return func(c *connConfig) {
		if id != 0 {
			c.firstID = id
		}
	}
}

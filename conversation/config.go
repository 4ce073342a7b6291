package conversation

import (
	"context"
	"time"

	"github.com/IBM/JTOpen-sub019/hostserver"
	"go.uber.org/zap"
)

const (
	DefaultReapInterval = 5 * time.Minute
	DefaultDialAttempts = 1
)

// DialFunc establishes a new physical connection to sys.
type DialFunc func(ctx context.Context, sys *System) (*hostserver.Conn, error)

// ProbeFunc checks a cached connection before it is handed out again.
type ProbeFunc func(ctx context.Context, conn *hostserver.Conn) error

// Config tunes a Pool. The zero value is usable.
type Config struct {
	// ReapInterval is how often the reaper ages idle connections.
	// Defaults to DefaultReapInterval.
	ReapInterval time.Duration

	// DisableReaper turns background reaping off. Released connections are
	// then kept only while no other idle connection is cached.
	DisableReaper bool

	// MaxInUse caps the number of conversations checked out at once.
	// Acquire blocks while the cap is reached. Zero means no cap.
	MaxInUse int64

	// DialAttempts is how many times a failed dial is tried before Acquire
	// gives up. Defaults to DefaultDialAttempts.
	DialAttempts int

	// DialBackoffMin and DialBackoffMax bound the wait between dial attempts.
	DialBackoffMin time.Duration
	DialBackoffMax time.Duration

	// Probe verifies a dead connection before it is resurrected, in addition
	// to checking that it is still connected. Optional.
	Probe ProbeFunc

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.DialBackoffMin <= 0 {
		c.DialBackoffMin = 100 * time.Millisecond
	}
	if c.DialBackoffMax <= 0 {
		c.DialBackoffMax = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

package conversation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/JTOpen-sub019/hostserver"
)

type State int32

const (
	StateAvailable State = iota
	StateInUse
	StateDead
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in use"
	case StateDead:
		return "dead"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conversation is a pooled connection to one system. It is borrowed with
// Pool.Acquire and must be given back with Release.
type Conversation struct {
	conn *hostserver.Conn
	pool *Pool

	state    int32
	created  time.Time
	lastUsed int64 // unix nanoseconds of the last release
}

func newConversation(pool *Pool, conn *hostserver.Conn) *Conversation {
	now := time.Now()
	return &Conversation{
		conn:     conn,
		pool:     pool,
		state:    int32(StateInUse),
		created:  now,
		lastUsed: now.UnixNano(),
	}
}

func (c *Conversation) Conn() *hostserver.Conn { return c.conn }
func (c *Conversation) System() *System        { return c.pool.sys }
func (c *Conversation) State() State           { return State(atomic.LoadInt32(&c.state)) }
func (c *Conversation) Created() time.Time     { return c.created }
func (c *Conversation) LastUsed() time.Time    { return time.Unix(0, atomic.LoadInt64(&c.lastUsed)) }
func (c *Conversation) IsConnected() bool      { return c.conn.IsConnected() }

func (c *Conversation) Send(env hostserver.Envelope) (uint32, error) { return c.conn.Send(env) }

func (c *Conversation) Receive(ctx context.Context, id uint32) (hostserver.Envelope, error) {
	return c.conn.Receive(ctx, id)
}

func (c *Conversation) SendAndReceive(ctx context.Context, env hostserver.Envelope) (hostserver.Envelope, error) {
	return c.conn.SendAndReceive(ctx, env)
}

func (c *Conversation) SendAndDiscard(env hostserver.Envelope) error { return c.conn.SendAndDiscard(env) }

// Release gives the conversation back to its pool.
func (c *Conversation) Release() { c.pool.Release(c) }

func (c *Conversation) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

func (c *Conversation) touch() { atomic.StoreInt64(&c.lastUsed, time.Now().UnixNano()) }

func (c *Conversation) close() {
	c.setState(StateClosed)
	c.conn.ForceDisconnect()
}

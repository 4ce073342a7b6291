package hostserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Conn multiplexes request/reply exchanges of any number of goroutines over a
// single byte stream. Requests are tagged with a correlation id; one reader
// goroutine parses replies off the stream and posts them to a ReplyTable where
// the goroutine receiving on that id picks them up.
//
// The first I/O or protocol failure is fatal. It is stored, every blocked
// caller is woken with it, and every later call returns it.
//
// It is safe to use Conn from multiple goroutines simultaneously.
type Conn struct {
	rwc    io.ReadWriteCloser
	br     *bufio.Reader
	parser Parser
	cfg    connConfig
	log    *zap.Logger

	seq     uint32
	replies *ReplyTable

	wmu sync.Mutex // serializes writes to rwc

	errMu sync.Mutex
	err   error
	done  chan struct{} // closed once err is set

	closeOnce      sync.Once
	disconnectOnce sync.Once
	wg             sync.WaitGroup

	sent     uint64
	received uint64
}

type Stats struct {
	Sent      uint64 // envelopes written
	Received  uint64 // envelopes parsed off the stream
	Discarded uint64 // replies dropped because their correlation id was discarded
	Pending   int    // replies posted but not yet received
}

// NewConn takes ownership of rwc and starts the reader goroutine which parses
// incoming envelopes with parser.
func NewConn(rwc io.ReadWriteCloser, parser Parser, opts ...Option) *Conn {
	cfg := defaultConnConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Conn{
		rwc:     rwc,
		br:      bufio.NewReaderSize(rwc, cfg.readBufferSize),
		parser:  parser,
		cfg:     cfg,
		log:     cfg.logger,
		seq:     cfg.firstID - 1,
		replies: NewReplyTable(),
		done:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// NextCorrelationID returns a fresh non-zero correlation id.
func (c *Conn) NextCorrelationID() uint32 {
	for {
		if id := atomic.AddUint32(&c.seq, 1); id != 0 {
			return id
		}
	}
}

// Send assigns env a fresh correlation id, writes it and returns the id.
func (c *Conn) Send(env Envelope) (uint32, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}

	id := c.NextCorrelationID()
	env.SetCorrelationID(id)

	if err := c.write(env); err != nil {
		return 0, err
	}
	return id, nil
}

// SendWithID writes env under a correlation id chosen by the caller, e.g. to
// chain a request onto an earlier exchange.
func (c *Conn) SendWithID(env Envelope, id uint32) error {
	if id == 0 {
		return ErrInvalidCorrelationID
	}
	if err := c.Err(); err != nil {
		return err
	}

	env.SetCorrelationID(id)
	return c.write(env)
}

// Receive blocks until a reply to id arrives, the connection fails, or ctx is
// done. A cancelled wait returns ctx.Err() and leaves the connection usable.
func (c *Conn) Receive(ctx context.Context, id uint32) (Envelope, error) {
	return c.receive(ctx, id, nil)
}

// ReceiveTimeout is Receive bounded by d. It returns ErrReceiveTimeout when d
// elapses first.
func (c *Conn) ReceiveTimeout(id uint32, d time.Duration) (Envelope, error) {
	t := timerPool.acquire(d)
	defer timerPool.release(t)

	return c.receive(context.Background(), id, t.C)
}

func (c *Conn) receive(ctx context.Context, id uint32, timeout <-chan time.Time) (Envelope, error) {
	if id == 0 {
		return nil, ErrInvalidCorrelationID
	}

	for {
		if err := c.Err(); err != nil {
			return nil, err
		}

		env, ready := c.replies.removeOrWait(id)
		if env != nil {
			return env, nil
		}

		select {
		case <-ready:
			c.replies.stopWaiting(id)
		case <-c.done:
			c.replies.stopWaiting(id)
			return nil, c.Err()
		case <-ctx.Done():
			c.replies.stopWaiting(id)
			return nil, ctx.Err()
		case <-timeout:
			c.replies.stopWaiting(id)
			return nil, ErrReceiveTimeout
		}
	}
}

// SendAndReceive sends env and waits for its reply. If the wait is abandoned
// because ctx is done, a reply arriving later is discarded.
func (c *Conn) SendAndReceive(ctx context.Context, env Envelope) (Envelope, error) {
	id, err := c.Send(env)
	if err != nil {
		return nil, err
	}

	reply, err := c.Receive(ctx, id)
	if err != nil && ctx.Err() != nil && c.IsConnected() {
		c.replies.Discard(id)
	}
	return reply, err
}

// SendAndDiscard sends env for which no reply will ever be received. The
// reply, if the peer sends one, is dropped on arrival.
func (c *Conn) SendAndDiscard(env Envelope) error {
	id, err := c.Send(env)
	if err != nil {
		return err
	}
	c.replies.Discard(id)
	return nil
}

// ForceDisconnect marks the connection dropped, sends the terminator message
// if one is configured, closes the stream and waits for the reader to exit.
// It may be called any number of times.
//
// The terminator is skipped while another write holds the stream, and its
// write is abandoned after the write timeout (DefaultTerminateTimeout when
// none is set). The stream is closed in every case.
func (c *Conn) ForceDisconnect() {
	c.disconnectOnce.Do(func() {
		if c.fail(ErrConnectionDropped) && c.cfg.terminator != nil {
			if env := c.cfg.terminator(); env != nil {
				if err := c.terminate(env); err != nil {
					c.log.Debug("termination message not sent", zap.Uint16("kind", env.Kind()), zap.Error(err))
				}
			}
		}
		c.closeStream()
	})
	c.wg.Wait()
}

func (c *Conn) terminate(env Envelope) error {
	if !c.wmu.TryLock() {
		return errWriteInProgress
	}
	defer c.wmu.Unlock()

	env.SetCorrelationID(c.NextCorrelationID())

	buf := writeBufferPool.acquire()
	defer writeBufferPool.release(buf)

	if _, err := env.WriteTo(buf); err != nil {
		return fmt.Errorf("hostserver: encode envelope kind %d: %w", env.Kind(), err)
	}

	c.setWriteDeadline()

	timeout := c.cfg.writeTimeout
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}
	t := timerPool.acquire(timeout)
	defer timerPool.release(t)

	written := make(chan error, 1)
	go func() {
		_, err := c.rwc.Write(buf.B)
		written <- err
	}()

	select {
	case err := <-written:
		if err == nil {
			atomic.AddUint64(&c.sent, 1)
		}
		return err
	case <-t.C:
		// closing the stream unblocks the pending write
		c.closeStream()
		<-written
		return fmt.Errorf("hostserver: termination message not written within %s", timeout)
	}
}

// IsConnected reports whether no fatal error has been recorded.
func (c *Conn) IsConnected() bool { return c.Err() == nil }

// Err returns the fatal error of the connection, or nil while it is healthy.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed when a fatal error is recorded.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Stats() Stats {
	return Stats{
		Sent:      atomic.LoadUint64(&c.sent),
		Received:  atomic.LoadUint64(&c.received),
		Discarded: c.replies.Discarded(),
		Pending:   c.replies.Len(),
	}
}

func (c *Conn) write(env Envelope) error {
	buf := writeBufferPool.acquire()
	defer writeBufferPool.release(buf)

	if _, err := env.WriteTo(buf); err != nil {
		return fmt.Errorf("hostserver: encode envelope kind %d: %w", env.Kind(), err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.setWriteDeadline()

	if _, err := c.rwc.Write(buf.B); err != nil {
		if c.fail(&TransportError{Op: "write", Err: err}) {
			c.log.Warn("connection write failed", zap.Uint32("correlation_id", env.CorrelationID()), zap.Error(err))
		}
		c.closeStream()
		return c.Err()
	}

	atomic.AddUint64(&c.sent, 1)
	return nil
}

func (c *Conn) setWriteDeadline() {
	if c.cfg.writeTimeout <= 0 {
		return
	}
	if d, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if err := d.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
			c.log.Debug("setting write deadline", zap.Error(err))
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		env, err := c.parse()
		if err != nil {
			if c.fail(classify("read", err)) {
				c.log.Debug("connection reader stopped", zap.Error(err))
			}
			c.closeStream()
			return
		}

		atomic.AddUint64(&c.received, 1)

		if !c.replies.Add(env) {
			c.log.Debug("discarded reply",
				zap.Uint32("correlation_id", env.CorrelationID()),
				zap.Uint16("kind", env.Kind()),
			)
		}
	}
}

func (c *Conn) parse() (env Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env, err = nil, &ProtocolError{Op: "parse", Err: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	env, err = c.parser.Parse(c.br)
	if err == nil && env == nil {
		err = &ProtocolError{Op: "parse", Err: errors.New("parser returned no envelope")}
	}
	return env, err
}

// fail records err as the fatal error unless one is already recorded, and
// reports whether it did.
func (c *Conn) fail(err error) bool {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	if c.err != nil {
		return false
	}
	c.err = err
	close(c.done)
	return true
}

func (c *Conn) closeStream() {
	c.closeOnce.Do(func() {
		if err := c.rwc.Close(); err != nil {
			c.log.Debug("closing connection stream", zap.Error(err))
		}
	})
}

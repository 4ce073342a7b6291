package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/JTOpen-sub019/hostserver"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("conversation: pool closed")

// Pool hands out conversations to one system and takes them back.
//
// Every conversation owned by the pool is in exactly one of three sets:
// available (idle, reused first), in use (checked out) or dead (idle through a
// whole reap interval; resurrected only after it is verified). The sets are
// only ever changed together under mu.
type Pool struct {
	sys  *System
	dial DialFunc
	cfg  Config
	log  *zap.Logger
	sem  *semaphore.Weighted

	mu        sync.Mutex
	available []*Conversation
	inUse     map[*Conversation]struct{}
	dead      []*Conversation
	closed    bool
	reaping   bool

	stop chan struct{}
	wg   sync.WaitGroup

	dials uint64
}

type Stats struct {
	Available int
	InUse     int
	Dead      int
	Dials     uint64 // physical connections established
	Reaping   bool   // whether the reaper goroutine is running
}

func NewPool(sys *System, dial DialFunc, cfg Config) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		sys:   sys,
		dial:  dial,
		cfg:   cfg,
		log:   cfg.Logger.With(zap.Stringer("system", sys)),
		inUse: make(map[*Conversation]struct{}),
		stop:  make(chan struct{}),
	}
	if cfg.MaxInUse > 0 {
		p.sem = semaphore.NewWeighted(cfg.MaxInUse)
	}
	return p
}

func (p *Pool) System() *System { return p.sys }

// Acquire checks out a conversation. Idle connections are reused first, then
// dead ones that still verify, and only then is a new connection dialed.
// Stale connections found on the way are torn down and skipped.
func (p *Pool) Acquire(ctx context.Context) (*Conversation, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	c, err := p.acquire(ctx)
	if err != nil && p.sem != nil {
		p.sem.Release(1)
	}
	return c, err
}

func (p *Pool) acquire(ctx context.Context) (*Conversation, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if c := pop(&p.available); c != nil {
			p.checkOutLocked(c)
			p.mu.Unlock()

			if c.IsConnected() {
				return c, nil
			}
			p.log.Debug("skipping disconnected conversation", zap.Error(c.conn.Err()))
			p.discard(c)
			continue
		}

		if c := pop(&p.dead); c != nil {
			p.checkOutLocked(c)
			p.mu.Unlock()

			if err := p.verify(ctx, c); err != nil {
				p.log.Debug("dead conversation failed verification", zap.Error(err))
				p.discard(c)
				continue
			}
			p.log.Debug("resurrected dead conversation")
			return c, nil
		}
		p.mu.Unlock()

		return p.connect(ctx)
	}
}

// Release gives c back to the pool. A disconnected conversation is torn down.
func (p *Pool) Release(c *Conversation) {
	if c == nil || c.pool != p {
		return
	}

	p.mu.Lock()
	if _, ok := p.inUse[c]; !ok {
		p.mu.Unlock()
		p.log.Warn("released a conversation that is not checked out", zap.Stringer("state", c.State()))
		return
	}
	delete(p.inUse, c)
	c.touch()

	keep := false
	switch {
	case p.closed, !c.IsConnected():
	case !p.cfg.DisableReaper:
		keep = true
	case len(p.available) == 0:
		keep = true
	}
	if keep {
		c.setState(StateAvailable)
		p.available = append(p.available, c)
	}
	p.mu.Unlock()

	if p.sem != nil {
		p.sem.Release(1)
	}
	if !keep {
		c.close()
	}
}

// MakeRequest sends req on a pooled conversation and waits for the reply. The
// conversation is released whether or not the exchange succeeds.
func (p *Pool) MakeRequest(ctx context.Context, req hostserver.Envelope) (hostserver.Envelope, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(c)

	return c.SendAndReceive(ctx, req)
}

// Reap runs one pass of the reaper: dead conversations beyond one connected
// spare are torn down, then every available conversation becomes dead.
func (p *Pool) Reap() {
	var retire []*Conversation

	p.mu.Lock()
	if n := len(p.dead); n > 0 {
		spare := p.dead[n-1]
		retire = append(retire, p.dead[:n-1]...)
		p.dead = p.dead[:0]
		if spare.IsConnected() {
			p.dead = append(p.dead, spare)
		} else {
			retire = append(retire, spare)
		}
	}
	aged := len(p.available)
	for i, c := range p.available {
		c.setState(StateDead)
		p.dead = append(p.dead, c)
		p.available[i] = nil
	}
	p.available = p.available[:0]
	p.mu.Unlock()

	for _, c := range retire {
		c.close()
	}

	if len(retire) > 0 || aged > 0 {
		p.log.Debug("reaped conversations", zap.Int("retired", len(retire)), zap.Int("aged", aged))
	}
}

// Disconnect tears down every idle conversation. Checked out conversations
// are left alone.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	idle := p.takeIdleLocked()
	p.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
}

// Close stops the reaper and tears down every idle conversation. Checked out
// conversations are torn down when released. Acquire fails with ErrPoolClosed
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.stop)
	idle := p.takeIdleLocked()
	p.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
	p.wg.Wait()

	p.log.Debug("pool closed")
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Available: len(p.available),
		InUse:     len(p.inUse),
		Dead:      len(p.dead),
		Dials:     atomic.LoadUint64(&p.dials),
		Reaping:   p.reaping,
	}
}

func (p *Pool) connect(ctx context.Context) (*Conversation, error) {
	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    p.cfg.DialBackoffMin,
		Max:    p.cfg.DialBackoffMax,
	}

	var (
		conn *hostserver.Conn
		err  error
	)
	for attempt := 1; ; attempt++ {
		conn, err = p.dial(ctx, p.sys)
		if err == nil {
			break
		}
		if attempt >= p.cfg.DialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("conversation: connect to %s: %w", p.sys, err)
		}

		duration := b.Duration()
		p.log.Info("retrying connection", zap.Int("attempt", attempt), zap.Duration("backoff", duration), zap.Error(err))

		t := time.NewTimer(duration)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	atomic.AddUint64(&p.dials, 1)
	c := newConversation(p, conn)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.close()
		return nil, ErrPoolClosed
	}
	p.inUse[c] = struct{}{}
	if !p.cfg.DisableReaper && !p.reaping && p.countLocked() > 1 {
		p.reaping = true
		p.wg.Add(1)
		go p.reap()
	}
	p.mu.Unlock()

	p.log.Debug("connected")
	return c, nil
}

func (p *Pool) reap() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.mu.Lock()
			p.reaping = false
			p.mu.Unlock()
			return
		case <-ticker.C:
		}

		p.Reap()

		p.mu.Lock()
		if p.countLocked() == 0 {
			p.reaping = false
			p.mu.Unlock()
			p.log.Debug("reaper stopped: no conversations left")
			return
		}
		p.mu.Unlock()
	}
}

func (p *Pool) verify(ctx context.Context, c *Conversation) error {
	if err := c.conn.Err(); err != nil {
		return err
	}
	if p.cfg.Probe != nil {
		return p.cfg.Probe(ctx, c.conn)
	}
	return nil
}

// discard tears down a conversation checked out by acquire that turned out to
// be unusable.
func (p *Pool) discard(c *Conversation) {
	p.mu.Lock()
	delete(p.inUse, c)
	p.mu.Unlock()

	c.close()
}

func (p *Pool) checkOutLocked(c *Conversation) {
	c.setState(StateInUse)
	p.inUse[c] = struct{}{}
}

func (p *Pool) takeIdleLocked() []*Conversation {
	idle := make([]*Conversation, 0, len(p.available)+len(p.dead))
	idle = append(idle, p.available...)
	idle = append(idle, p.dead...)
	p.available, p.dead = nil, nil
	return idle
}

func (p *Pool) countLocked() int {
	return len(p.available) + len(p.inUse) + len(p.dead)
}

func pop(list *[]*Conversation) *Conversation {
	n := len(*list)
	if n == 0 {
		return nil
	}
	c := (*list)[n-1]
	(*list)[n-1] = nil
	*list = (*list)[:n-1]
	return c
}

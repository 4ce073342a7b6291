package hostserver

import (
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

var timerPool = &TimerPool{}
var replyListPool = &ReplyListPool{}
var writeBufferPool = &WriteBufferPool{}

type TimerPool struct {
	sp sync.Pool
	m  PoolMetrics
}

func (p *TimerPool) acquire(timeout time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		p.m.acquired(false)
		return time.NewTimer(timeout)
	}
	p.m.acquired(true)
	t := v.(*time.Timer)
	t.Reset(timeout)
	return t
}

func (p *TimerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
	p.m.released()
}

// replyList holds the envelopes that arrived under one correlation id, oldest
// first, plus the signal channel of callers waiting on that id.
type replyList struct {
	items   []Envelope
	signal  chan struct{} // closed on the next arrival; nil when nobody waits
	waiters int
}

type ReplyListPool struct {
	sp sync.Pool
	m  PoolMetrics
}

func (p *ReplyListPool) acquire() *replyList {
	v := p.sp.Get()
	if v == nil {
		p.m.acquired(false)
		return &replyList{items: make([]Envelope, 0, 1)}
	}
	p.m.acquired(true)
	return v.(*replyList)
}

func (p *ReplyListPool) release(l *replyList) {
	for i := range l.items {
		l.items[i] = nil
	}
	l.items = l.items[:0]
	l.signal = nil
	l.waiters = 0
	p.sp.Put(l)
	p.m.released()
}

type WriteBufferPool struct {
	bp bytebufferpool.Pool
	m  PoolMetrics
}

func (p *WriteBufferPool) acquire() *bytebufferpool.ByteBuffer {
	b := p.bp.Get()
	p.m.acquired(cap(b.B) != 0)
	return b
}

func (p *WriteBufferPool) release(b *bytebufferpool.ByteBuffer) {
	p.bp.Put(b)
	p.m.released()
}

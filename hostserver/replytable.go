package hostserver

import (
	"sync"
	"sync/atomic"
)

const replyShards = 16

type replyShard struct {
	mu       sync.Mutex
	lists    map[uint32]*replyList
	discards map[uint32]struct{}
}

// ReplyTable holds replies posted by a connection's reader until the caller
// waiting on their correlation id picks them up. Ids are spread over
// independently locked shards so unrelated ids do not contend.
//
// Replies sharing a correlation id are handed out in the order they were added.
type ReplyTable struct {
	shards [replyShards]replyShard

	discarded uint64
}

func NewReplyTable() *ReplyTable {
	t := &ReplyTable{}
	for i := range t.shards {
		t.shards[i].lists = make(map[uint32]*replyList)
		t.shards[i].discards = make(map[uint32]struct{})
	}
	return t
}

func (t *ReplyTable) shard(id uint32) *replyShard {
	return &t.shards[id%replyShards]
}

// Add posts env under its correlation id. If the id was discarded, env is
// released and dropped instead, and Add reports false.
func (t *ReplyTable) Add(env Envelope) bool {
	id := env.CorrelationID()
	s := t.shard(id)

	s.mu.Lock()
	if _, discard := s.discards[id]; discard {
		delete(s.discards, id)
		s.mu.Unlock()

		release(env)
		atomic.AddUint64(&t.discarded, 1)
		return false
	}

	l, exists := s.lists[id]
	if !exists {
		l = replyListPool.acquire()
		s.lists[id] = l
	}
	l.items = append(l.items, env)
	if l.signal != nil {
		close(l.signal)
		l.signal = nil
	}
	s.mu.Unlock()

	return true
}

// Remove pops the oldest reply posted under id, or returns nil if there is none.
func (t *ReplyTable) Remove(id uint32) Envelope {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pop(id)
}

// Discard drops the reply to id. A reply that already arrived is released
// immediately; otherwise the next reply to arrive under id is. Call it at most
// once per id.
func (t *ReplyTable) Discard(id uint32) {
	s := t.shard(id)

	s.mu.Lock()
	env := s.pop(id)
	if env == nil {
		s.discards[id] = struct{}{}
	}
	s.mu.Unlock()

	if env != nil {
		release(env)
		atomic.AddUint64(&t.discarded, 1)
	}
}

// Len returns the number of replies waiting to be picked up.
func (t *ReplyTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, l := range s.lists {
			n += len(l.items)
		}
		s.mu.Unlock()
	}
	return n
}

// Discarded returns the number of replies dropped through Discard.
func (t *ReplyTable) Discarded() uint64 { return atomic.LoadUint64(&t.discarded) }

// removeOrWait pops the oldest reply under id. When there is none it registers
// the caller as a waiter and returns a channel closed on the next arrival. Every
// returned channel must be paired with a call to stopWaiting.
func (t *ReplyTable) removeOrWait(id uint32) (Envelope, <-chan struct{}) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if env := s.pop(id); env != nil {
		return env, nil
	}

	l, exists := s.lists[id]
	if !exists {
		l = replyListPool.acquire()
		s.lists[id] = l
	}
	if l.signal == nil {
		l.signal = make(chan struct{})
	}
	l.waiters++
	return nil, l.signal
}

func (t *ReplyTable) stopWaiting(id uint32) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.lists[id]
	if !exists {
		return
	}
	l.waiters--
	s.collect(id, l)
}

func (s *replyShard) pop(id uint32) Envelope {
	l, exists := s.lists[id]
	if !exists || len(l.items) == 0 {
		return nil
	}

	env := l.items[0]
	n := copy(l.items, l.items[1:])
	l.items[n] = nil
	l.items = l.items[:n]

	s.collect(id, l)
	return env
}

func (s *replyShard) collect(id uint32, l *replyList) {
	if len(l.items) != 0 || l.waiters > 0 {
		return
	}
	delete(s.lists, id)
	replyListPool.release(l)
}

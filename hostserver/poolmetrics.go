package hostserver

import (
	"fmt"
	"sync/atomic"
)

// na + nr equal the total number of acquires
// na + nr - np equal the number still held.
type PoolMetrics struct {
	na uint64 // number of new acquires
	nr uint64 // number of reuse from pool
	np uint64 // number of put back to pool
}

func (m *PoolMetrics) acquired(reused bool) {
	if reused {
		atomic.AddUint64(&m.nr, 1)
	} else {
		atomic.AddUint64(&m.na, 1)
	}
}

func (m *PoolMetrics) released() { atomic.AddUint64(&m.np, 1) }

// Held returns the number of acquired items not yet put back.
func (m *PoolMetrics) Held() uint64 {
	return atomic.LoadUint64(&m.na) + atomic.LoadUint64(&m.nr) - atomic.LoadUint64(&m.np)
}

func (m *PoolMetrics) metricsString() string {
	return fmt.Sprintf("[ %d|%d|%d ]", atomic.LoadUint64(&m.na), atomic.LoadUint64(&m.nr), atomic.LoadUint64(&m.np))
}

// JSONStringPoolMetrics reports new|reuse|putback counters of the package pools.
func JSONStringPoolMetrics() string {
	return fmt.Sprintf("{\"timerPool\": %q, \"replyListPool\": %q, \"writeBufferPool\": %q}",
		timerPool.m.metricsString(),
		replyListPool.m.metricsString(),
		writeBufferPool.m.metricsString(),
	)
}

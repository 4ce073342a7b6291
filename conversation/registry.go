package conversation

import (
	"context"
	"sync"

	"github.com/IBM/JTOpen-sub019/hostserver"
)

// System identifies a remote host. Pools are keyed by the *System pointer, not
// by any of its fields: two handles with the same name are distinct systems.
type System struct {
	Name    string // display name only
	Network string // defaults to "tcp"
	Addr    string
}

func (s *System) String() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Addr
}

// TCPDialer returns a DialFunc connecting to the address of the system and
// parsing replies with parser.
func TCPDialer(parser hostserver.Parser, opts ...hostserver.Option) DialFunc {
	return func(ctx context.Context, sys *System) (*hostserver.Conn, error) {
		network := sys.Network
		if network == "" {
			network = "tcp"
		}
		return hostserver.Dial(ctx, network, sys.Addr, parser, opts...)
	}
}

// Registry holds one Pool per system for the lifetime of the registry. Pools
// are created on first use and never evicted.
type Registry struct {
	dial DialFunc
	cfg  Config

	mu    sync.Mutex
	pools map[*System]*Pool
}

func NewRegistry(dial DialFunc, cfg Config) *Registry {
	return &Registry{
		dial:  dial,
		cfg:   cfg,
		pools: make(map[*System]*Pool),
	}
}

// Pool returns the pool of sys, creating it if needed.
func (r *Registry) Pool(sys *System) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, exists := r.pools[sys]
	if !exists {
		pool = NewPool(sys, r.dial, r.cfg)
		r.pools[sys] = pool
	}
	return pool
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close closes every pool. The pools stay registered, so later lookups return
// closed pools.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, pool := range r.pools {
		pools = append(pools, pool)
	}
	r.mu.Unlock()

	for _, pool := range pools {
		pool.Close()
	}
}

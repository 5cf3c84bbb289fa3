package dbdaemon

import "sync"

// routeBinding pins a table to a shard for as long as at least one
// pending operation references it, the Go rendering of the original's
// shared probe handle: `{probe: shared handle, shard: shard ref}`,
// keyed by table name (spec.md §3's Router Entry).
type routeBinding struct {
	shard   int
	pending int
}

// Router maps a table name to the shard responsible for serializing
// writes to it, grounded on mysql_daemon.cpp's submit_operation_by_table.
// While a table's probe is referenced by any pending op, the table
// stays bound to the same shard; once the last op retires, the next
// lookup may rebind to the then least-loaded shard.
type Router struct {
	mu         sync.Mutex
	shardCount int
	loadFn     func(shard int) int
	routes     map[string]*routeBinding
}

// NewRouter builds a router over shardCount shards. loadFn reports the
// current queue depth of a shard index and is consulted only when a
// table needs a fresh binding; a nil loadFn always picks shard 0,
// which is fine for single-shard daemons and tests that don't care
// about load balancing.
func NewRouter(shardCount int, loadFn func(shard int) int) *Router {
	if shardCount < 1 {
		shardCount = 1
	}
	return &Router{
		shardCount: shardCount,
		loadFn:     loadFn,
		routes:     make(map[string]*routeBinding),
	}
}

// ShardFor returns the shard index responsible for table and attaches
// one more reference to its route probe. Callers that retire an
// operation routed this way must call Release to drop the reference,
// or the table's binding pins forever.
func (r *Router) ShardFor(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.routes[table]; ok && b.pending > 0 {
		b.pending++
		return b.shard
	}

	shard := r.leastLoadedLocked()
	r.routes[table] = &routeBinding{shard: shard, pending: 1}
	return shard
}

// Release drops one reference to table's route probe. Once the last
// reference retires the binding is forgotten, so the next ShardFor
// rebuilds a least-loaded view instead of reusing the old shard.
func (r *Router) Release(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.routes[table]
	if !ok {
		return
	}
	b.pending--
	if b.pending <= 0 {
		delete(r.routes, table)
	}
}

func (r *Router) leastLoadedLocked() int {
	if r.loadFn == nil {
		return 0
	}
	best, bestLoad := 0, r.loadFn(0)
	for i := 1; i < r.shardCount; i++ {
		if load := r.loadFn(i); load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}

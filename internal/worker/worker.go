// Package worker implements the worker pool: a fixed array of worker
// shards, each executing its own FIFO queue of jobs on a lazily
// started goroutine, with jobs routed to a shard deterministically by
// key. Grounded on poseidon/src/static/worker_pool.cpp (original_source):
// Worker_Pool::insert uses rocket::get_probing_origin to pick a shard
// from a key, and do_worker_thread_loop waits, pops, checks for
// orphaned jobs, executes, and recovers from panics.
package worker

import (
	"context"
	"errors"
	"log"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kelpforge/poseidon/internal/metrics"
)

// ErrQueueSaturated is returned by Insert when an admission gate
// rejects a submission. This is an added capability beyond the
// original worker pool, giving the teacher's rate limiter a home here.
var ErrQueueSaturated = errors.New("worker: queue saturated")

// ErrShuttingDown is returned by Insert once Shutdown has been called,
// the Go rendering of spec.md §7's DaemonShuttingDown for the worker
// pool.
var ErrShuttingDown = errors.New("worker: shutting down")

type job struct {
	fn       func()
	resident bool
	started  bool
	orphaned bool
}

// Handle references a submitted job so resident status can be toggled.
// If the only Handle for a non-resident job is dropped before the
// shard dequeues it, a finalizer marks the job orphaned: the Go
// rendering of "if a job becomes unreferenced externally before
// execution and is not resident, it is dropped rather than executed"
// (spec.md §3), using the garbage collector as the unreachability
// oracle the same way internal/fiber does for insignificant fibers.
type Handle struct {
	shard *shard
	j     *job
}

// SetResident toggles whether the job survives shard shutdown draining
// and orphan reclamation.
func (h *Handle) SetResident(resident bool) {
	h.shard.mu.Lock()
	h.j.resident = resident
	h.shard.mu.Unlock()
}

type shard struct {
	id      int
	mu      sync.Mutex
	queue   []*job
	wake    chan struct{}
	once    sync.Once
	started bool
}

func (s *shard) push(j *job) {
	s.mu.Lock()
	s.queue = append(s.queue, j)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) pop() *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	j.started = true
	return j
}

// Pool is a fixed array of worker shards.
type Pool struct {
	shards  []*shard
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	limiter *rate.Limiter
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithAdmissionGate bounds submission rate with a token bucket,
// modeled on the teacher's scheduler/limiter.go TokenBucketLimiter
// (itself a thin wrapper over golang.org/x/time/rate). Submissions
// beyond the burst are rejected with ErrQueueSaturated rather than
// blocked, since job submission here must never stall the caller.
func WithAdmissionGate(ratePerSec float64, burst int) Option {
	return func(p *Pool) {
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
}

// New creates a Pool with shardCount shards (clamped to [1, 256] per
// spec.md's worker.thread_count bound), each started lazily on first
// submission.
func New(shardCount int, opts ...Option) *Pool {
	if shardCount < 1 {
		shardCount = 1
	}
	if shardCount > 256 {
		shardCount = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		shards: make([]*shard, shardCount),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.shards {
		p.shards[i] = &shard{id: i, wake: make(chan struct{}, 1)}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Insert routes fn to the shard selected by key (a MurmurHash3-style
// mix of key taken modulo shardCount, the Go stand-in for
// rocket::get_probing_origin),
// guaranteeing all jobs sharing a key execute in FIFO submission order
// on the same goroutine. resident jobs are never dropped as orphans.
func (p *Pool) Insert(key uint64, fn func(), resident bool) (*Handle, error) {
	select {
	case <-p.ctx.Done():
		return nil, ErrShuttingDown
	default:
	}
	if p.limiter != nil && !p.limiter.Allow() {
		metrics.WorkerJobsRejectedTotal.WithLabelValues("saturated").Inc()
		return nil, ErrQueueSaturated
	}

	idx := probe(key, len(p.shards))
	s := p.shards[idx]
	j := &job{fn: fn, resident: resident}

	s.once.Do(func() {
		s.started = true
		p.wg.Add(1)
		go p.runShard(s)
	})

	s.push(j)
	metrics.WorkerQueueDepth.WithLabelValues(shardLabel(idx)).Set(float64(len(s.queue)))

	h := &Handle{shard: s, j: j}
	if !resident {
		runtime.SetFinalizer(h, func(h *Handle) {
			h.shard.mu.Lock()
			if !h.j.resident && !h.j.started {
				h.j.orphaned = true
			}
			h.shard.mu.Unlock()
		})
	}
	return h, nil
}

// probe picks a shard index from key, the Go rendering of
// rocket::get_probing_origin's hash-and-fold over a fixed table size.
func probe(key uint64, n int) int {
	if n <= 1 {
		return 0
	}
	key ^= key >> 33
	key *= 0xff51afd7ed558ccd
	key ^= key >> 33
	return int(key % uint64(n))
}

func shardLabel(idx int) string {
	return "w" + strconv.Itoa(idx)
}

func (p *Pool) runShard(s *shard) {
	defer p.wg.Done()
	label := shardLabel(s.id)
	for {
		j := s.pop()
		if j == nil {
			select {
			case <-p.ctx.Done():
				s.mu.Lock()
				remaining := s.queue
				s.queue = nil
				s.mu.Unlock()
				for _, rj := range remaining {
					if rj.resident {
						p.execute(rj, label)
					} else {
						metrics.WorkerJobsOrphanedTotal.WithLabelValues(label).Inc()
					}
				}
				return
			case <-s.wake:
				continue
			}
		}

		s.mu.Lock()
		orphaned := j.orphaned && !j.resident
		s.mu.Unlock()
		if orphaned {
			log.Printf("worker: Killed orphan job on shard %s", label)
			metrics.WorkerJobsOrphanedTotal.WithLabelValues(label).Inc()
			continue
		}

		shuttingDown := false
		select {
		case <-p.ctx.Done():
			shuttingDown = true
		default:
		}

		if shuttingDown && !j.resident {
			metrics.WorkerJobsOrphanedTotal.WithLabelValues(label).Inc()
			continue
		}
		p.execute(j, label)
		metrics.WorkerQueueDepth.WithLabelValues(label).Set(float64(len(s.queue)))
	}
}

func (p *Pool) execute(j *job, label string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: job on shard %s panicked: %v", label, r)
		}
	}()
	j.fn()
	metrics.WorkerJobsExecutedTotal.WithLabelValues(label).Inc()
}

// Shutdown makes every later Insert fail with ErrShuttingDown and
// waits for every shard to drain resident jobs and drop non-resident
// ones.
func (p *Pool) Shutdown() {
	p.cancel()
	for _, s := range p.shards {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	p.wg.Wait()
}

// ShardCount reports the number of shards, mainly for tests.
func (p *Pool) ShardCount() int { return len(p.shards) }

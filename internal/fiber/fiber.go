// Package fiber implements the cooperative fiber scheduler: a fixed
// pool of "scheduler threads" running user bodies that suspend on a
// promise/future and resume once it transitions.
//
// Go already gives every goroutine its own growable stack, so rather
// than hand-rolling stackful context switching (ucontext/swapcontext)
// we take Design Note option (b) from the spec: one fiber is one
// goroutine, and the "fixed pool of scheduler threads" is modeled as a
// golang.org/x/sync/semaphore.Weighted bounding how many fiber bodies
// may be actively running at once. Suspending a fiber releases its
// semaphore slot so another ready fiber can run; resuming re-acquires
// one, exactly mirroring "context-switch back to scheduler" /
// "context-switch into the fiber's stack" in spec.md §4.2.
package fiber

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kelpforge/poseidon/internal/metrics"
	"github.com/kelpforge/poseidon/internal/promise"
)

// ErrAbandoned is returned from Yield to an insignificant, non-resident
// fiber whose Handle was garbage collected while it was suspended, once
// that fiber wakes again.
var ErrAbandoned = errors.New("fiber: abandoned")

// ErrShutdown is returned from Yield when the scheduler is shutting
// down and the awaited future never transitioned.
var ErrShutdown = errors.New("fiber: scheduler shutting down")

// State is a fiber's position in its lifecycle.
type State int32

const (
	StatePending State = iota
	StateReady
	StateRunning
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Scheduler owns a fixed concurrency budget of scheduler threads and
// runs fiber bodies within it.
type Scheduler struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nextID atomic.Uint64
	mu     sync.Mutex
	fibers map[uint64]*fiberState
}

// New creates a Scheduler with the given number of scheduler threads
// (clamped to at least 1). The Scheduler must be Shutdown when no
// longer needed; in-flight fibers observe ctx cancellation as the
// scheduler-wide shutdown signal described in spec.md §4.2.
func New(threadCount int) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sem:    semaphore.NewWeighted(int64(threadCount)),
		ctx:    ctx,
		cancel: cancel,
		fibers: make(map[uint64]*fiberState),
	}
}

// Shutdown signals all fibers to observe shutdown at their next yield
// point and waits for every fiber body to return.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

type fiberState struct {
	id        uint64
	state     atomic.Int32
	resident  atomic.Bool
	abandoned atomic.Bool
}

// Handle is a reference to an inserted fiber. Holding it exempts the
// fiber from nothing by itself; SetResident controls reclamation.
type Handle struct {
	fs *fiberState
}

// State returns the fiber's current lifecycle state.
func (h *Handle) State() State { return State(h.fs.state.Load()) }

// SetResident toggles reclamation exemption for the fiber.
func (h *Handle) SetResident(resident bool) {
	h.fs.resident.Store(resident)
}

// Insert hands a fiber body to the scheduler. The body receives a
// *Yielder used to suspend on futures. The fiber is Pending until a
// scheduler thread becomes free to run it; Insert never blocks.
//
// If insignificant is true and the returned Handle becomes
// unreachable while the fiber is suspended and non-resident, the
// fiber is marked abandoned. Marking does not wake it: its current
// Yield keeps waiting, and returns ErrAbandoned instead of the value
// once the future transitions or the scheduler shuts down.
// This models "detected via dead waiter graph" from spec.md §4.2 using
// Go's garbage collector as the unreachability oracle, via a
// finalizer — a deliberate, documented substitute for true weak-
// reference tracking (see DESIGN.md).
func (s *Scheduler) Insert(body func(y *Yielder), insignificant bool) *Handle {
	fs := &fiberState{id: s.nextID.Add(1)}
	fs.state.Store(int32(StatePending))

	s.mu.Lock()
	s.fibers[fs.id] = fs
	s.mu.Unlock()

	h := &Handle{fs: fs}
	if insignificant {
		runtime.SetFinalizer(h, func(h *Handle) {
			if h.fs.resident.Load() {
				return
			}
			if State(h.fs.state.Load()) == StateSuspended {
				h.fs.abandoned.Store(true)
			}
		})
	}

	y := &Yielder{sched: s, fs: fs}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.fibers, fs.id)
			s.mu.Unlock()
		}()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			fs.state.Store(int32(StateTerminated))
			metrics.FiberTerminatedTotal.WithLabelValues("abandoned").Inc()
			return
		}
		fs.state.Store(int32(StateRunning))
		metrics.FiberActive.Inc()

		func() {
			defer s.sem.Release(1)
			defer metrics.FiberActive.Dec()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("fiber: body panicked: %v", r)
					metrics.FiberTerminatedTotal.WithLabelValues("panicked").Inc()
				} else {
					metrics.FiberTerminatedTotal.WithLabelValues("normal").Inc()
				}
				fs.state.Store(int32(StateTerminated))
			}()
			body(y)
		}()
	}()

	return h
}

// Yielder is passed to a fiber body to let it suspend on a future.
type Yielder struct {
	sched *Scheduler
	fs    *fiberState
}

// Yield suspends the calling fiber until f is satisfied or the
// scheduler shuts down, then returns f's value or error. Yielding on
// an already-satisfied future resumes immediately without giving up
// the scheduler thread, per spec.md §4.2's "already-satisfied"
// short-circuit.
func Yield[T any](y *Yielder, f *promise.Future[T]) (T, error) {
	if res, val, err := f.Poll(); res != promise.NotReady {
		return val, err
	}

	start := time.Now()
	y.fs.state.Store(int32(StateSuspended))
	metrics.FiberSuspended.Inc()
	y.sched.sem.Release(1)

	woken := make(chan struct{}, 1)
	f.AddWaiter(func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	})

	select {
	case <-woken:
	case <-y.sched.ctx.Done():
		if acqErr := y.sched.sem.Acquire(context.Background(), 1); acqErr != nil {
			// Scheduler context has no cancellation of its own beyond
			// Shutdown; Background() acquire cannot fail here.
			_ = acqErr
		}
		metrics.FiberSuspended.Dec()
		metrics.FiberYieldLatencySeconds.Observe(time.Since(start).Seconds())
		y.fs.state.Store(int32(StateRunning))
		metrics.FiberActive.Inc()
		var zero T
		if y.fs.abandoned.Load() {
			return zero, ErrAbandoned
		}
		return zero, ErrShutdown
	}

	if y.fs.abandoned.Load() {
		metrics.FiberSuspended.Dec()
		metrics.FiberYieldLatencySeconds.Observe(time.Since(start).Seconds())
		var zero T
		return zero, ErrAbandoned
	}

	if err := y.sched.sem.Acquire(y.sched.ctx, 1); err != nil {
		metrics.FiberSuspended.Dec()
		metrics.FiberYieldLatencySeconds.Observe(time.Since(start).Seconds())
		var zero T
		return zero, ErrShutdown
	}
	metrics.FiberSuspended.Dec()
	metrics.FiberYieldLatencySeconds.Observe(time.Since(start).Seconds())
	y.fs.state.Store(int32(StateRunning))
	metrics.FiberActive.Inc()

	_, val, err := f.Poll()
	return val, err
}

package dbdaemon

import (
	"sync"

	"github.com/kelpforge/poseidon/internal/promise"
)

// waitBarrier is the refcounted completion gate behind a broadcast
// Wait, the Go rendering of the original's shared_ptr<Promise> handed
// to submit_operation_all: every shard gets a shadow copy, and the
// shared promise transitions to success only once every copy has
// "torn down" (spec.md §4.5.4 — "the destructor of each shadow copy
// sets success once, idempotently").
type waitBarrier struct {
	mu      sync.Mutex
	pending int
	p       *promise.Promise[struct{}]
}

func newWaitBarrier(shards int) (*waitBarrier, *promise.Future[struct{}]) {
	p := promise.New[struct{}]()
	if shards <= 0 {
		_ = p.SetSuccess(struct{}{})
	}
	return &waitBarrier{pending: shards, p: p}, p.Future()
}

// arrive records that one shard has finished processing its shadow
// Wait. The shared promise resolves exactly once, when the last shard
// arrives.
func (w *waitBarrier) arrive() {
	w.mu.Lock()
	w.pending--
	last := w.pending == 0
	w.mu.Unlock()
	if last {
		_ = w.p.SetSuccess(struct{}{})
	}
}

// waitShadow is the per-shard Wait operation Daemon.Wait hands to
// every shard: it runs the same "DO 0" round trip as WaitOp, but
// instead of resolving its own promise it counts down a shared
// waitBarrier, idempotently, regardless of whether the round trip
// succeeded — mirroring the original's unconditional set_success() in
// the Wait destructor (see DESIGN.md's recorded Open Question
// decision).
type waitShadow struct {
	Base
	barrier *waitBarrier
}

func (w *waitShadow) Variant() Variant                    { return VariantWait }
func (w *waitShadow) AlwaysSucceeds() bool                { return true }
func (w *waitShadow) Build() (string, []any, bool, error) { return "DO 0", nil, false, nil }
func (w *waitShadow) SetSuccess()                         { w.barrier.arrive() }
func (w *waitShadow) SetException(error)                  { w.barrier.arrive() }

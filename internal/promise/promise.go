// Package promise implements the one-shot Promise/Future rendezvous
// primitive that every background producer (timer, worker job, DB
// operation) uses to signal completion to a waiting fiber.
//
// It is the Go rendering of the original Poseidon Promise: a mutex,
// a satisfied flag, an optional value or error, and a waiter list.
// Grounded on src/promise.cpp (original_source) and the generic
// Future[T] pattern in _examples/other_examples's poolx/future.go.
package promise

import (
	"errors"
	"log"
	"sync"

	"github.com/kelpforge/poseidon/internal/metrics"
)

// ErrAlreadySatisfied is returned by SetSuccess/SetException when the
// promise has already transitioned once.
var ErrAlreadySatisfied = errors.New("promise: already satisfied")

// ErrNotSatisfied is returned by CheckAndRethrow when the promise is
// still pending.
var ErrNotSatisfied = errors.New("promise: not satisfied")

// Promise is a shared, one-shot result cell carrying either a value of
// type T or an error. It transitions at most once, from pending to
// either fulfilled or failed.
type Promise[T any] struct {
	mu        sync.Mutex
	satisfied bool
	value     T
	err       error
	waiters   []func()
}

// New creates a pending Promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{}
}

// Future returns a read handle sharing this promise's state. Multiple
// Futures may be obtained from the same Promise; all observe the same
// eventual outcome.
func (p *Promise[T]) Future() *Future[T] {
	return &Future[T]{p: p}
}

// WouldThrow reports true if the promise is not yet satisfied, or is
// satisfied with an error.
func (p *Promise[T]) WouldThrow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.satisfied {
		return true
	}
	return p.err != nil
}

// CheckAndRethrow returns ErrNotSatisfied if the promise is pending,
// the stored error if it failed, or nil if it succeeded.
func (p *Promise[T]) CheckAndRethrow() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.satisfied {
		return ErrNotSatisfied
	}
	return p.err
}

// SetSuccess satisfies the promise with value. Returns
// ErrAlreadySatisfied if the promise has already transitioned.
func (p *Promise[T]) SetSuccess(value T) error {
	p.mu.Lock()
	if p.satisfied {
		p.mu.Unlock()
		return ErrAlreadySatisfied
	}
	p.satisfied = true
	p.value = value
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	metrics.PromiseSatisfiedTotal.WithLabelValues("success").Inc()
	notify(waiters)
	return nil
}

// SetException satisfies the promise with err. Returns
// ErrAlreadySatisfied if the promise has already transitioned.
func (p *Promise[T]) SetException(err error) error {
	p.mu.Lock()
	if p.satisfied {
		p.mu.Unlock()
		return ErrAlreadySatisfied
	}
	p.satisfied = true
	p.err = err
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	metrics.PromiseSatisfiedTotal.WithLabelValues("exception").Inc()
	notify(waiters)
	return nil
}

// AddWaiter registers a one-shot callback invoked exactly once upon
// transition. If the promise is already satisfied, the callback runs
// synchronously before AddWaiter returns.
func (p *Promise[T]) AddWaiter(cb func()) {
	p.mu.Lock()
	if p.satisfied {
		p.mu.Unlock()
		cb()
		return
	}
	p.waiters = append(p.waiters, cb)
	p.mu.Unlock()
}

// Abandon logs a warning if the promise is being discarded while still
// pending, mirroring the original destructor's diagnostic. It runs only
// when called explicitly; nothing calls it when a promise is garbage
// collected.
func (p *Promise[T]) Abandon() {
	p.mu.Lock()
	satisfied := p.satisfied
	p.mu.Unlock()
	if !satisfied {
		log.Printf("promise: destroying an unsatisfied promise")
		metrics.PromiseDestroyedUnsatisfied.Inc()
	}
}

func notify(waiters []func()) {
	for _, w := range waiters {
		w()
	}
}

// Future is a read handle on a Promise.
type Future[T any] struct {
	p *Promise[T]
}

// PollResult is the outcome of a non-blocking Future.Poll.
type PollResult int

const (
	// NotReady indicates the underlying promise has not transitioned.
	NotReady PollResult = iota
	// ReadyValue indicates the promise succeeded.
	ReadyValue
	// ReadyError indicates the promise failed.
	ReadyError
)

// Poll returns the current state without blocking.
func (f *Future[T]) Poll() (PollResult, T, error) {
	f.p.mu.Lock()
	defer f.p.mu.Unlock()
	if !f.p.satisfied {
		var zero T
		return NotReady, zero, nil
	}
	if f.p.err != nil {
		var zero T
		return ReadyError, zero, f.p.err
	}
	return ReadyValue, f.p.value, nil
}

// WouldThrow reports true if the underlying promise is not yet
// satisfied, or is satisfied with an error.
func (f *Future[T]) WouldThrow() bool {
	return f.p.WouldThrow()
}

// AddWaiter registers a one-shot callback on the underlying promise.
func (f *Future[T]) AddWaiter(cb func()) {
	f.p.AddWaiter(cb)
}

// Value returns the result and error as CheckAndRethrow would, paired
// with the stored value when successful. Callers that need to block
// until ready should register via AddWaiter (the fiber scheduler does
// this) rather than spin on Poll.
func (f *Future[T]) Value() (T, error) {
	f.p.mu.Lock()
	defer f.p.mu.Unlock()
	if !f.p.satisfied {
		var zero T
		return zero, ErrNotSatisfied
	}
	return f.p.value, f.p.err
}

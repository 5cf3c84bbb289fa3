// Package fiberdemo wires the timer driver, promise/future, and fiber
// scheduler together into the canonical compound described in
// spec.md §4.6: a fiber that repeatedly arms a timer owning a promise,
// yields on that promise's future, and reads the result when it wakes.
//
// Grounded on poseidon/addon/example_fiber.cpp (original_source):
// Promise_Timer couples an Abstract_Timer to a Promise<int>, and
// Example_Fiber::do_execute loops inserting a timer, getting its
// future, and calling Fiber_Scheduler::yield(future) before reading
// the ticked value.
package fiberdemo

import (
	"log"
	"time"

	"github.com/kelpforge/poseidon/internal/fiber"
	"github.com/kelpforge/poseidon/internal/promise"
	"github.com/kelpforge/poseidon/internal/timer"
)

// TickingFiber inserts itself into sched and, every period, arms a
// one-shot timer on drv that satisfies a Promise[int] with a
// monotonically increasing tick count, yields until that promise
// settles, then logs the tick. It runs until ctx-equivalent shutdown
// is observed (the scheduler's Shutdown) or maxTicks is reached (0
// means unbounded), mirroring the plain/resident fiber arrays in
// example_fiber.cpp.
func TickingFiber(sched *fiber.Scheduler, drv *timer.Driver, name string, period time.Duration, maxTicks int, resident bool) *fiber.Handle {
	var h *fiber.Handle
	h = sched.Insert(func(y *fiber.Yielder) {
		tick := 0
		for maxTicks == 0 || tick < maxTicks {
			tick++
			p := promise.New[int]()
			thisTick := tick
			drv.Insert(period, func(time.Time) {
				_ = p.SetSuccess(thisTick)
			})

			val, err := fiber.Yield(y, p.Future())
			if err != nil {
				log.Printf("fiberdemo: %s stopping: %v", name, err)
				return
			}
			log.Printf("fiberdemo: %s tick %d", name, val)
		}
	}, !resident)
	return h
}

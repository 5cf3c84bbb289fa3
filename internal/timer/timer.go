// Package timer implements the monotonic timer driver: a min-heap of
// armed deadlines serviced by one dedicated goroutine, grounded on the
// teacher's control_plane/scheduler/queue.go container/heap.Interface
// usage (there applied to task priority; here to deadlines).
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kelpforge/poseidon/internal/metrics"
)

// Driver runs a single goroutine that fires armed timers in deadline
// order, breaking ties by insertion order (FIFO for equal deadlines,
// matching spec.md §4.3).
type Driver struct {
	mu       sync.Mutex
	items    timerHeap
	nextSeq  uint64
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type timerItem struct {
	seq      uint64
	deadline time.Time
	period   time.Duration // 0 for one-shot
	callback func(now time.Time)
	canceled bool
	index    int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// NewDriver starts the timer driver's dedicated goroutine.
func NewDriver() *Driver {
	d := &Driver{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Handle references an armed timer for cancellation.
type Handle struct {
	d    *Driver
	item *timerItem
}

// Insert arms a one-shot timer firing at now+delay, invoking callback
// on the driver goroutine with the fire time.
func (d *Driver) Insert(delay time.Duration, callback func(now time.Time)) *Handle {
	return d.insert(delay, 0, callback)
}

// InsertPeriodic arms a repeating timer, first firing at now+delay and
// every period thereafter until canceled.
func (d *Driver) InsertPeriodic(delay, period time.Duration, callback func(now time.Time)) *Handle {
	return d.insert(delay, period, callback)
}

func (d *Driver) insert(delay, period time.Duration, callback func(now time.Time)) *Handle {
	d.mu.Lock()
	d.nextSeq++
	item := &timerItem{
		seq:      d.nextSeq,
		deadline: time.Now().Add(delay),
		period:   period,
		callback: callback,
	}
	heap.Push(&d.items, item)
	d.mu.Unlock()

	metrics.TimerPending.Inc()
	d.poke()
	return &Handle{d: d, item: item}
}

// Cancel disarms the timer. A no-op if it already fired.
func (h *Handle) Cancel() {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if h.item.canceled || h.item.index < 0 {
		return
	}
	h.item.canceled = true
	heap.Remove(&h.d.items, h.item.index)
	metrics.TimerPending.Dec()
}

// Stop halts the driver goroutine. Armed timers never fire after Stop.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Driver) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Driver) run() {
	defer d.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		var next time.Time
		wait := time.Hour
		if d.items.Len() > 0 {
			next = d.items[0].deadline
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		d.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-d.stopCh:
			return
		case <-d.wake:
			continue
		case now := <-timer.C:
			d.fireDue(now)
		}
	}
}

func (d *Driver) fireDue(now time.Time) {
	for {
		d.mu.Lock()
		if d.items.Len() == 0 || d.items[0].deadline.After(now) {
			d.mu.Unlock()
			return
		}
		item := heap.Pop(&d.items).(*timerItem)
		d.mu.Unlock()

		metrics.TimerPending.Dec()
		if item.canceled {
			continue
		}
		metrics.TimerFiredTotal.Inc()
		item.callback(now)

		if item.period > 0 {
			d.mu.Lock()
			d.nextSeq++
			item.seq = d.nextSeq
			item.deadline = now.Add(item.period)
			item.canceled = false
			heap.Push(&d.items, item)
			d.mu.Unlock()
			metrics.TimerPending.Inc()
		}
	}
}

package timer

import (
	"sync"
	"testing"
	"time"
)

func TestInsertFiresAfterDelay(t *testing.T) {
	d := NewDriver()
	defer d.Stop()

	start := time.Now()
	fired := make(chan time.Time, 1)
	d.Insert(20*time.Millisecond, func(now time.Time) { fired <- now })

	select {
	case now := <-fired:
		if now.Before(start.Add(15 * time.Millisecond)) {
			t.Fatalf("timer fired too early: %v elapsed", now.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	d := NewDriver()
	defer d.Stop()

	fired := make(chan struct{}, 1)
	h := d.Insert(20*time.Millisecond, func(time.Time) { fired <- struct{}{} })
	h.Cancel()

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestEqualDeadlineFIFO(t *testing.T) {
	d := NewDriver()
	defer d.Stop()

	deadline := 15 * time.Millisecond
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 1; i <= 3; i++ {
		i := i
		d.Insert(deadline, func(time.Time) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 firings, got %v", order)
	}
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("equal-deadline timers fired out of insertion order: %v", order)
		}
	}
}

func TestPeriodicTimerRepeats(t *testing.T) {
	d := NewDriver()
	defer d.Stop()

	count := make(chan struct{}, 10)
	h := d.InsertPeriodic(5*time.Millisecond, 5*time.Millisecond, func(time.Time) {
		select {
		case count <- struct{}{}:
		default:
		}
	})
	defer h.Cancel()

	seen := 0
	timeout := time.After(200 * time.Millisecond)
	for seen < 3 {
		select {
		case <-count:
			seen++
		case <-timeout:
			t.Fatalf("periodic timer only fired %d times in 200ms", seen)
		}
	}
}

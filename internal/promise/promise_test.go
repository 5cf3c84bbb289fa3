package promise

import (
	"errors"
	"sync"
	"testing"
)

func TestSetSuccessOnce(t *testing.T) {
	p := New[int]()
	if err := p.SetSuccess(42); err != nil {
		t.Fatalf("first SetSuccess: %v", err)
	}
	if err := p.SetSuccess(43); !errors.Is(err, ErrAlreadySatisfied) {
		t.Fatalf("second SetSuccess: got %v, want ErrAlreadySatisfied", err)
	}
	if v, err := p.Future().Value(); err != nil || v != 42 {
		t.Fatalf("Value() = %d, %v; want 42, nil", v, err)
	}
}

func TestSetExceptionOnce(t *testing.T) {
	p := New[string]()
	boom := errors.New("boom")
	if err := p.SetException(boom); err != nil {
		t.Fatalf("SetException: %v", err)
	}
	if !p.WouldThrow() {
		t.Fatal("WouldThrow() = false after SetException")
	}
	if got := p.CheckAndRethrow(); !errors.Is(got, boom) {
		t.Fatalf("CheckAndRethrow() = %v, want %v", got, boom)
	}
}

func TestCheckAndRethrowPending(t *testing.T) {
	p := New[int]()
	if err := p.CheckAndRethrow(); !errors.Is(err, ErrNotSatisfied) {
		t.Fatalf("CheckAndRethrow() on pending = %v, want ErrNotSatisfied", err)
	}
	if !p.WouldThrow() {
		t.Fatal("WouldThrow() = false on pending promise")
	}
}

func TestAddWaiterSynchronousWhenAlreadySatisfied(t *testing.T) {
	p := New[int]()
	_ = p.SetSuccess(7)

	called := false
	p.AddWaiter(func() { called = true })
	if !called {
		t.Fatal("AddWaiter callback did not run synchronously for a satisfied promise")
	}
}

func TestAddWaiterFiresOnTransition(t *testing.T) {
	p := New[int]()
	var wg sync.WaitGroup
	wg.Add(1)
	var got int
	p.AddWaiter(func() {
		v, _ := p.Future().Value()
		got = v
		wg.Done()
	})

	_ = p.SetSuccess(99)
	wg.Wait()

	if got != 99 {
		t.Fatalf("waiter observed %d, want 99", got)
	}
}

func TestFuturePollNotReady(t *testing.T) {
	p := New[int]()
	f := p.Future()
	res, _, err := f.Poll()
	if res != NotReady || err != nil {
		t.Fatalf("Poll() on pending = %v, %v; want NotReady, nil", res, err)
	}

	_ = p.SetSuccess(1)
	res, v, err := f.Poll()
	if res != ReadyValue || v != 1 || err != nil {
		t.Fatalf("Poll() after success = %v, %d, %v", res, v, err)
	}
}

func TestMultipleFuturesShareOutcome(t *testing.T) {
	p := New[int]()
	f1 := p.Future()
	f2 := p.Future()
	_ = p.SetSuccess(5)

	v1, _ := f1.Value()
	v2, _ := f2.Value()
	if v1 != 5 || v2 != 5 {
		t.Fatalf("futures diverged: %d, %d", v1, v2)
	}
}

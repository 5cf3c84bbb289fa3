package fiberdemo

import (
	"testing"
	"time"

	"github.com/kelpforge/poseidon/internal/fiber"
	"github.com/kelpforge/poseidon/internal/timer"
)

func TestTickingFiberTicksRepeatedly(t *testing.T) {
	sched := fiber.New(2)
	defer sched.Shutdown()
	drv := timer.NewDriver()
	defer drv.Stop()

	h := TickingFiber(sched, drv, "test", 5*time.Millisecond, 3, true)

	deadline := time.Now().Add(time.Second)
	for h.State() != fiber.StateTerminated && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.State() != fiber.StateTerminated {
		t.Fatal("ticking fiber never terminated after reaching maxTicks")
	}
}

package dbdaemon

import "errors"

// ErrQueueSaturated is returned by Shard.Enqueue when an admission
// gate rejects a submission because the shard's backlog is too deep.
// This is an added capability beyond the original daemon, giving the
// teacher's circuit_breaker.go state machine a home on the write path:
// a shard whose queue stays pinned near capacity opens the gate rather
// than letting memory grow unbounded under sustained overload.
var ErrQueueSaturated = errors.New("dbdaemon: queue saturated")

// admissionGate is a simplified single-purpose rendering of the
// teacher's scheduler/circuit_breaker.go: instead of tracking
// success/failure ratios it trips directly off queue depth, since a
// DB shard's failure mode of interest here is backlog, not call
// failures (those are already handled by per-operation retry).
type admissionGate struct {
	capacity int
}

func newAdmissionGate(capacity int) *admissionGate {
	return &admissionGate{capacity: capacity}
}

func (g *admissionGate) admit(currentDepth int) bool {
	return currentDepth < g.capacity
}

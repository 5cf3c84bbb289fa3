package dbdaemon

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestDaemon(t *testing.T, shardCount int, cfg ShardConfig) (*Daemon, []sqlmock.Sqlmock) {
	t.Helper()
	d := &Daemon{}
	d.router = NewRouter(shardCount, func(shard int) int { return d.shards[shard].QueueLen() })
	mocks := make([]sqlmock.Sqlmock, shardCount)
	for i := 0; i < shardCount; i++ {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		mocks[i] = mock
		d.shards = append(d.shards, newShard(i, db, nil, cfg))
	}
	d.running.Store(true)
	return d, mocks
}

func TestWaitTillIdleDrainsAllShards(t *testing.T) {
	d, mocks := newTestDaemon(t, 3, ShardConfig{RetryMaxCount: 0, WriteCombineWindow: time.Hour})
	defer d.Stop()

	for i, mock := range mocks {
		mock.ExpectExec(regexp.QuoteMeta("DO 0")).WillReturnResult(sqlmock.NewResult(0, 0))
		op, _ := NewWait("dummy")
		if err := d.shards[i].Enqueue(op); err != nil {
			t.Fatalf("Enqueue shard %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		d.WaitTillIdle()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTillIdle did not return after all shards drained")
	}

	for i, mock := range mocks {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("shard %d unmet expectations: %v", i, err)
		}
	}
}

func TestSubmitAfterStopReturnsShuttingDown(t *testing.T) {
	d, _ := newTestDaemon(t, 1, ShardConfig{RetryMaxCount: 0})
	d.Stop()

	op, _ := NewDelete("widgets", map[string]any{"id": 1})
	if err := d.Submit(op); !errors.Is(err, ErrDaemonShuttingDown) {
		t.Fatalf("Submit after Stop = %v, want ErrDaemonShuttingDown", err)
	}

	if _, err := d.Wait(); !errors.Is(err, ErrDaemonShuttingDown) {
		t.Fatalf("Wait after Stop = %v, want ErrDaemonShuttingDown", err)
	}
}

// TestWaitBroadcastResolvesOnlyAfterAllShardsArrive is S6 from spec.md
// §8: 3 shards each process one Wait, one of them slow; the barrier
// must not resolve until every shard has reported its shadow Wait ran.
func TestWaitBroadcastResolvesOnlyAfterAllShardsArrive(t *testing.T) {
	d, mocks := newTestDaemon(t, 3, ShardConfig{RetryMaxCount: 0})
	defer d.Stop()

	mocks[0].ExpectExec(regexp.QuoteMeta("DO 0")).
		WillDelayFor(150 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mocks[1].ExpectExec(regexp.QuoteMeta("DO 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mocks[2].ExpectExec(regexp.QuoteMeta("DO 0")).WillReturnResult(sqlmock.NewResult(0, 0))

	fut, err := d.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	resolved := make(chan struct{})
	fut.AddWaiter(func() { close(resolved) })

	select {
	case <-resolved:
		t.Fatal("Wait future resolved before the slow shard's shadow Wait arrived")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-resolved:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait future did not resolve after every shard arrived")
	}

	for i, mock := range mocks {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("shard %d unmet expectations: %v", i, err)
		}
	}
}

// TestSubmitPinsTableThenReleasesForRebind exercises the router's
// probe release end to end through Daemon.Submit: two submits for the
// same table take route references, and once WaitTillIdle has drained
// them the router no longer holds a binding for the table. Which shard
// each submit landed on is not asserted.
func TestSubmitPinsTableThenReleasesForRebind(t *testing.T) {
	d, mocks := newTestDaemon(t, 2, ShardConfig{RetryMaxCount: 0})
	defer d.Stop()

	for _, m := range mocks {
		m.MatchExpectationsInOrder(false)
		m.ExpectExec(`DELETE FROM widgets`).WillReturnResult(sqlmock.NewResult(0, 1))
	}

	op1, _ := NewDelete("widgets", map[string]any{"id": 1})
	if err := d.Submit(op1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	op2, _ := NewDelete("widgets", map[string]any{"id": 2})
	if err := d.Submit(op2); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	d.WaitTillIdle()

	d.router.mu.Lock()
	_, pinned := d.router.routes["widgets"]
	d.router.mu.Unlock()
	if pinned {
		t.Fatal("router still holds a binding for widgets after all ops retired")
	}
}

package dbdaemon

import (
	"database/sql"
	"regexp"
	"runtime"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestShard(t *testing.T, cfg ShardConfig) (*Shard, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newShard(0, db, nil, cfg), mock
}

func TestSaveWriteCombineExecutesOnlyLastWrite(t *testing.T) {
	s, mock := newTestShard(t, ShardConfig{RetryMaxCount: 0, WriteCombineWindow: 20 * time.Millisecond})
	defer s.Stop()

	mock.ExpectExec(regexp.QuoteMeta("REPLACE INTO widgets (id,value) VALUES (?,?)")).
		WithArgs(1, "third").
		WillReturnResult(sqlmock.NewResult(1, 1))

	for _, v := range []string{"first", "second", "third"} {
		op, _ := NewSave("widgets", "widgets:1", map[string]any{"id": 1, "value": v})
		if err := s.Enqueue(op); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	time.Sleep(80 * time.Millisecond)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteGeneratesWhereClause(t *testing.T) {
	s, mock := newTestShard(t, ShardConfig{RetryMaxCount: 0})
	defer s.Stop()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM widgets WHERE id = ?")).
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	op, _ := NewDelete("widgets", map[string]any{"id": 7})
	if err := s.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRetryThenDump(t *testing.T) {
	dumpDir := t.TempDir()
	s, mock := newTestShard(t, ShardConfig{
		RetryMaxCount:  2,
		RetryInitDelay: time.Millisecond,
		DumpDir:        dumpDir,
	})
	defer s.Stop()

	q := regexp.QuoteMeta("DELETE FROM widgets WHERE id = ?")
	mock.ExpectExec(q).WithArgs(9).WillReturnError(sql.ErrConnDone)
	mock.ExpectExec(q).WithArgs(9).WillReturnError(sql.ErrConnDone)
	mock.ExpectExec(q).WithArgs(9).WillReturnError(sql.ErrConnDone)

	op, _ := NewDelete("widgets", map[string]any{"id": 9})
	if err := s.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := mock.ExpectationsWereMet(); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations after retries: %v", err)
	}
}

func TestLoadDiscardedWhenIsolated(t *testing.T) {
	s, mock := newTestShard(t, ShardConfig{RetryMaxCount: 0})
	defer s.Stop()

	// No ExpectQuery is registered: the query must never run because
	// the Future is dropped immediately, leaving nothing but a weak
	// reference behind once the garbage collector runs.
	op, _ := NewLoad("widgets", []string{"id"}, map[string]any{"id": 1}, func(rows *sql.Rows) error { return nil })

	runtime.GC()
	runtime.GC()

	if err := s.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if !op.IsIsolated() {
		t.Fatal("IsIsolated() = false after dropping the only strong reference")
	}
}

func TestLoadExecutesWhileFutureIsHeld(t *testing.T) {
	s, mock := newTestShard(t, ShardConfig{RetryMaxCount: 0})
	defer s.Stop()

	rows := sqlmock.NewRows([]string{"id"}).AddRow(1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM widgets WHERE id = ? LIMIT 1")).
		WithArgs(1).
		WillReturnRows(rows)

	op, fut := NewLoad("widgets", []string{"id"}, map[string]any{"id": 1}, func(*sql.Rows) error { return nil })
	if err := s.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_ = fut
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := mock.ExpectationsWereMet(); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("load never executed while its future was still held")
}

func TestWaitAlwaysSucceedsEvenOnFailure(t *testing.T) {
	s, mock := newTestShard(t, ShardConfig{RetryMaxCount: 0, DumpDir: t.TempDir()})
	defer s.Stop()

	mock.ExpectExec(regexp.QuoteMeta("DO 0")).WillReturnError(sql.ErrConnDone)

	op, fut := NewWait("widgets")
	if err := s.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := fut.Value(); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Wait operation never reported success despite AlwaysSucceeds")
}

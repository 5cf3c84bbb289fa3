package dbdaemon

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kelpforge/poseidon/internal/metrics"
)

// ShardConfig configures a single shard writer, rendering the
// mysql_max_retry_count / mysql_retry_init_delay / mysql_save_delay /
// mysql_dump_dir config keys from spec.md §5.
type ShardConfig struct {
	RetryInitDelay     time.Duration
	RetryMaxCount      int
	DumpDir            string
	WriteCombineWindow time.Duration
	QueueCapacity      int
}

type queuedItem struct {
	op       Operation
	readyAt  time.Time
	onRetire func()
}

// Shard serializes all operations routed to it through one writer
// goroutine and one master/slave connection pair, grounded on
// MySqlThread in mysql_daemon.cpp.
type Shard struct {
	id     int
	master *sql.DB
	slave  *sql.DB
	cfg    ShardConfig

	mu            sync.Mutex
	queue         []*queuedItem
	combineLatest map[string]uint64
	nextSeq       uint64
	urgent        bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	gate *admissionGate
}

func newShard(id int, master, slave *sql.DB, cfg ShardConfig) *Shard {
	s := &Shard{
		id:            id,
		master:        master,
		slave:         slave,
		cfg:           cfg,
		combineLatest: make(map[string]uint64),
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	if cfg.QueueCapacity > 0 {
		s.gate = newAdmissionGate(cfg.QueueCapacity)
	}
	s.wg.Add(1)
	go s.run()
	metrics.DBShardsConnected.Inc()
	return s
}

// Enqueue admits op onto the shard's queue, assigning it a
// write-combine sequence stamp. ErrQueueSaturated is returned if an
// admission gate is configured and the shard is backlogged.
func (s *Shard) Enqueue(op Operation) error {
	return s.EnqueueWithRetire(op, nil)
}

// EnqueueWithRetire is Enqueue plus an onRetire callback invoked
// exactly once, after the item has been fully handled by pumpOne
// (combined away, discarded as isolated, or executed) regardless of
// outcome. Daemon.Submit uses this to release a table's router probe
// once the operation it was pinning has retired (spec.md §4.5.1 step
// 2: "while probe is referenced ... the table remains bound").
func (s *Shard) EnqueueWithRetire(op Operation, onRetire func()) error {
	s.mu.Lock()
	if s.gate != nil && !s.gate.admit(len(s.queue)) {
		s.mu.Unlock()
		metrics.DBQueueSaturatedTotal.WithLabelValues(shardName(s.id)).Inc()
		return fmt.Errorf("dbdaemon: shard %d queue saturated: %w", s.id, ErrQueueSaturated)
	}

	s.nextSeq++
	op.setSeq(s.nextSeq)
	if op.Combinable() {
		s.combineLatest[op.CombineKey()] = s.nextSeq
	}

	readyAt := time.Now()
	if op.Combinable() && s.cfg.WriteCombineWindow > 0 {
		readyAt = readyAt.Add(s.cfg.WriteCombineWindow)
	}
	s.queue = append(s.queue, &queuedItem{op: op, readyAt: readyAt, onRetire: onRetire})
	depth := len(s.queue)
	s.mu.Unlock()

	metrics.DBShardQueueDepth.WithLabelValues(shardName(s.id)).Set(float64(depth))
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueueLen reports the current backlog depth, used by
// Daemon.WaitTillIdle to poll shards for drain completion.
func (s *Shard) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ForceUrgent marks the shard urgent, so every queued item is treated
// as due immediately (bypassing write-combine delays) until the queue
// is empty, and wakes the writer goroutine.
// This is the Go rendering of wait_till_idle's "force urgent=true and
// signal" loop in mysql_daemon.cpp.
func (s *Shard) ForceUrgent() {
	s.mu.Lock()
	s.urgent = len(s.queue) > 0
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop drains the queue and stops the writer goroutine. Queued
// operations still execute before Stop returns; nothing is dropped.
func (s *Shard) Stop() {
	s.mu.Lock()
	empty := len(s.queue) == 0
	s.mu.Unlock()
	if empty {
		close(s.stopCh)
	} else {
		// run() closes stopCh itself once drained; signal intent by
		// waking it so it notices the queue emptying promptly.
		go func() {
			for {
				s.mu.Lock()
				n := len(s.queue)
				s.mu.Unlock()
				if n == 0 {
					close(s.stopCh)
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	s.wg.Wait()
}

func (s *Shard) run() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var item *queuedItem
		wait := time.Hour
		if len(s.queue) > 0 {
			item = s.queue[0]
			if s.urgent {
				wait = 0
			} else {
				wait = time.Until(item.readyAt)
				if wait < 0 {
					wait = 0
				}
			}
		} else {
			s.urgent = false
		}
		s.mu.Unlock()

		if item == nil {
			select {
			case <-s.stopCh:
				return
			case <-s.wake:
				continue
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			if wait == 0 {
				s.pumpOne()
			}
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.pumpOne()
		}
	}
}

// pumpOne pops and executes the head of the queue, the Go rendering
// of MySqlThread::pump_one_operation.
func (s *Shard) pumpOne() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	depth := len(s.queue)

	superseded := false
	if item.op.Combinable() {
		if latest, ok := s.combineLatest[item.op.CombineKey()]; ok && latest != item.op.seq() {
			superseded = true
		} else {
			delete(s.combineLatest, item.op.CombineKey())
		}
	}
	s.mu.Unlock()

	metrics.DBShardQueueDepth.WithLabelValues(shardName(s.id)).Set(float64(depth))

	if item.onRetire != nil {
		defer item.onRetire()
	}

	if superseded {
		metrics.DBOperationsCombinedTotal.Inc()
		item.op.SetSuccess()
		return
	}

	if item.op.ChecksIsolation() && item.op.IsIsolated() {
		metrics.DBOperationsIsolatedTotal.Inc()
		return
	}

	s.execute(item.op)
}

func (s *Shard) execute(op Operation) {
	db := s.master
	if op.ShouldUseSlave() && s.slave != nil {
		db = s.slave
	}

	start := time.Now()
	query, args, skip, err := op.Build()
	if skip {
		if !op.ManualSuccess() {
			op.SetSuccess()
		}
		return
	}
	if err != nil {
		op.SetException(fmt.Errorf("dbdaemon: building query for %s: %w", op.Table(), err))
		return
	}

	maxAttempts := s.cfg.RetryMaxCount + 1
	var execErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		execErr = s.runOnce(db, op, query, args)
		if execErr == nil {
			break
		}
		if attempt == maxAttempts-1 {
			break
		}
		metrics.DBOperationRetryTotal.Inc()
		backoff := s.cfg.RetryInitDelay << uint(attempt)
		time.Sleep(backoff)
	}

	metrics.DBOperationDurationSeconds.WithLabelValues(string(op.Variant())).Observe(time.Since(start).Seconds())
	metrics.DBOperationsExecutedTotal.WithLabelValues(string(op.Variant())).Inc()

	if execErr != nil {
		dbErr := asDbError(execErr)
		s.dumpToFile(query, dbErr)
		if op.AlwaysSucceeds() {
			op.SetSuccess()
			return
		}
		if !op.ManualSuccess() {
			op.SetException(dbErr)
		}
		return
	}

	if op.AlwaysSucceeds() || !op.ManualSuccess() {
		op.SetSuccess()
	}
}

func (s *Shard) runOnce(db *sql.DB, op Operation, query string, args []any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if wantsRows(op) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := op.HandleRows(rows); err != nil {
			return err
		}
		return rows.Err()
	}

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

var dumpMu sync.Mutex

// dumpToFile appends the failed statement to a per-process daily log,
// the Go rendering of mysql_daemon.cpp's dump_sql_to_file: path format
// <dump_dir>/YYYY-MM-DD_<pid:05d>.log, guarded process-wide by
// dumpMu the way the original serializes on g_dump_mutex, with each
// entry shaped as spec.md §6's
//
//	-- <localtime>: err_code = <n>, err_msg = <msg>
//	<QUERY>;
//	<blank>
func (s *Shard) dumpToFile(query string, cause *DbError) {
	metrics.DBOperationDumpedTotal.Inc()
	if s.cfg.DumpDir == "" {
		log.Printf("dbdaemon: shard %d exhausted retries, no dump dir configured: %v: %s", s.id, cause, query)
		return
	}
	name := fmt.Sprintf("%s_%05d.log", time.Now().Format("2006-01-02"), os.Getpid())
	path := filepath.Join(s.cfg.DumpDir, name)

	dumpMu.Lock()
	defer dumpMu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("dbdaemon: shard %d could not open dump file %s: %v", s.id, path, err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "-- %s: err_code = %d, err_msg = %s\n%s;\n\n",
		time.Now().Format(time.RFC3339), cause.Code, cause.Message, query)
}

func shardName(id int) string { return strconv.Itoa(id) }

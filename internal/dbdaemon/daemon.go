package dbdaemon

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/kelpforge/poseidon/internal/config"
	"github.com/kelpforge/poseidon/internal/promise"
)

// ErrDaemonShuttingDown is returned by Submit/Wait once Stop has
// been called, the Go rendering of spec.md §7's DaemonShuttingDown.
var ErrDaemonShuttingDown = errors.New("dbdaemon: shutting down")

// Daemon owns the router and the fixed array of shard writers,
// grounded on MySqlDaemon::start/stop in mysql_daemon.cpp.
type Daemon struct {
	router  *Router
	shards  []*Shard
	running atomic.Bool
}

// Dial opens one master connection (and, if slaveDSN is non-empty, one
// slave connection) per shard and starts its writer goroutine.
// shardCount, retry, and combine-window parameters come straight off
// the mysql_* config keys in spec.md §5.
func Dial(cfg config.Map, shardCount int, masterDSNs, slaveDSNs []string) (*Daemon, error) {
	if shardCount < 1 {
		shardCount = 1
	}
	if len(masterDSNs) != shardCount {
		return nil, fmt.Errorf("dbdaemon: expected %d master DSNs, got %d", shardCount, len(masterDSNs))
	}

	scfg := ShardConfig{
		RetryInitDelay:     cfg.GetMillis("mysql_retry_init_delay", 1000),
		RetryMaxCount:      cfg.GetInt("mysql_max_retry_count", 3),
		DumpDir:            cfg.GetString("mysql_dump_dir", ""),
		WriteCombineWindow: cfg.GetMillis("mysql_save_delay", 5000),
		QueueCapacity:      cfg.GetInt("mysql_queue_capacity", 0),
	}

	d := &Daemon{}
	d.router = NewRouter(shardCount, func(shard int) int { return d.shards[shard].QueueLen() })
	for i := 0; i < shardCount; i++ {
		master, err := sql.Open("mysql", masterDSNs[i])
		if err != nil {
			d.Stop()
			return nil, fmt.Errorf("dbdaemon: opening shard %d master: %w", i, err)
		}
		master.SetConnMaxLifetime(time.Hour)

		var slave *sql.DB
		if i < len(slaveDSNs) && slaveDSNs[i] != "" {
			slave, err = sql.Open("mysql", slaveDSNs[i])
			if err != nil {
				d.Stop()
				return nil, fmt.Errorf("dbdaemon: opening shard %d slave: %w", i, err)
			}
		}

		d.shards = append(d.shards, newShard(i, master, slave, scfg))
	}
	d.running.Store(true)
	return d, nil
}

// DialFromConfig builds master/slave DSNs from the mysql_* config keys
// (spec.md §6) via MasterDSN/SlaveDSN and opens shardCount shards
// against them, all sharing the one configured master/slave pair, the
// way mysql_daemon.cpp's fixed-size g_threads all connect to the same
// configured server.
func DialFromConfig(cfg config.Map, shardCount int) (*Daemon, error) {
	masterDSN := MasterDSN(cfg)
	slaveDSN := SlaveDSN(cfg)

	masters := make([]string, shardCount)
	var slaves []string
	if slaveDSN != "" {
		slaves = make([]string, shardCount)
	}
	for i := range masters {
		masters[i] = masterDSN
		if slaves != nil {
			slaves[i] = slaveDSN
		}
	}
	return Dial(cfg, shardCount, masters, slaves)
}

// Submit routes op to the least-loaded shard bound to its table (or
// reuses the table's existing binding while any op against it is
// still pending) and enqueues it there, releasing the table's route
// probe once the op retires. Returns ErrDaemonShuttingDown once Stop
// has been called.
func (d *Daemon) Submit(op Operation) error {
	if !d.running.Load() {
		return ErrDaemonShuttingDown
	}
	table := op.Table()
	idx := d.router.ShardFor(table)
	if err := d.shards[idx].EnqueueWithRetire(op, func() { d.router.Release(table) }); err != nil {
		d.router.Release(table)
		return err
	}
	return nil
}

// Wait broadcasts a rendezvous Wait to every shard and returns a
// single Future that resolves only once every shard has processed its
// copy, mirroring submit_operation_all in mysql_daemon.cpp: the
// original hands each shard a shadow copy of one shared_ptr<Promise>
// and relies on the last copy's destructor to call set_success(); a
// waitBarrier plays that role explicitly here (spec.md §4.5.4, S6).
func (d *Daemon) Wait() (*promise.Future[struct{}], error) {
	if !d.running.Load() {
		return nil, ErrDaemonShuttingDown
	}
	barrier, fut := newWaitBarrier(len(d.shards))
	var firstErr error
	for _, s := range d.shards {
		if err := s.Enqueue(&waitShadow{barrier: barrier}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			barrier.arrive()
		}
	}
	return fut, firstErr
}

// ShardCount reports the number of shard writers.
func (d *Daemon) ShardCount() int { return len(d.shards) }

// WaitTillIdle blocks until every shard's queue has fully drained,
// polling at 500ms intervals and forcing each non-empty shard urgent
// so write-combine delays don't hold up the wait, mirroring
// mysql_daemon.cpp's wait_till_idle.
func (d *Daemon) WaitTillIdle() {
	for {
		idle := true
		for _, s := range d.shards {
			if s.QueueLen() > 0 {
				idle = false
				s.ForceUrgent()
			}
		}
		if idle {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// Stop drains and stops every shard writer and closes its connections.
// After Stop returns, Submit/Wait always fail with
// ErrDaemonShuttingDown.
func (d *Daemon) Stop() {
	d.running.Store(false)
	for _, s := range d.shards {
		s.Stop()
		s.master.Close()
		if s.slave != nil {
			s.slave.Close()
		}
	}
}

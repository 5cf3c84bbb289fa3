// Package dbdaemon implements the sharded database writer daemon: a
// fixed array of per-shard writer goroutines draining a FIFO queue of
// operations, each opened against a master connection (or slave, for
// read variants), with write-combining, retry with backoff, and a
// SQL dump-to-file escape hatch when retries are exhausted.
//
// Grounded on src/singletons/mysql_daemon.cpp (original_source):
// OperationBase and its six concrete variants (Save, Load, Delete,
// BatchLoad, LowLevelAccess, Wait), routed by table through a shared
// router, executed one at a time per shard by MySqlThread::pump_one_operation.
package dbdaemon

import (
	"database/sql"
	"weak"

	sq "github.com/Masterminds/squirrel"

	"github.com/kelpforge/poseidon/internal/promise"
)

// Variant identifies which of the six original operation shapes an
// Operation implements; used only for metrics labeling and logging.
type Variant string

const (
	VariantSave           Variant = "save"
	VariantLoad           Variant = "load"
	VariantDelete         Variant = "delete"
	VariantBatchLoad      Variant = "batch_load"
	VariantLowLevelAccess Variant = "low_level_access"
	VariantWait           Variant = "wait"
)

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Operation is anything the daemon can execute against a shard's
// connection. Concrete variants below satisfy it; callers rarely
// implement it directly.
type Operation interface {
	Variant() Variant
	Table() string
	ShouldUseSlave() bool
	Combinable() bool
	CombineKey() string
	// Build returns the SQL to execute. skip=true means there is
	// nothing to send to the database (reserved for future variants;
	// none of the six currently skip unconditionally).
	Build() (query string, args []any, skip bool, err error)
	// HandleRows consumes a result set for read variants. Write
	// variants run through ExecContext and HandleRows is never called
	// for them.
	HandleRows(rows *sql.Rows) error
	// ManualSuccess reports true for LowLevelAccess, whose original
	// set_success() is a deliberate no-op: the caller must call
	// SetSuccess itself from within the execute callback.
	ManualSuccess() bool
	// AlwaysSucceeds reports true for Wait, whose destructor
	// unconditionally calls set_success() regardless of how the
	// DO 0 round trip went (see the spec's recorded Open Question
	// decision in DESIGN.md).
	AlwaysSucceeds() bool
	SetSuccess()
	SetException(err error)
	// IsIsolated reports whether the submitter has dropped every
	// strong reference to this operation's promise. Load and
	// BatchLoad consult this immediately before executing and
	// discard themselves rather than issue a query nobody is waiting
	// on; see spec's "Weak ownership of promises" design note.
	IsIsolated() bool
	// ChecksIsolation reports whether this variant discards itself
	// when IsIsolated(); only Load and BatchLoad do.
	ChecksIsolation() bool

	seq() uint64
	setSeq(uint64)
}

// Base implements the bookkeeping shared by every operation variant:
// routing table, slave/combinable flags, a weak handle to the promise
// signaling completion to the submitter, and the write-combine
// sequence stamp.
//
// The promise is held weakly, not strongly: newBase creates it, hands
// the caller a Future (which holds the only strong reference), and
// keeps only a weak.Pointer for itself. If the caller discards the
// Future without ever observing it, the promise becomes unreachable
// and IsIsolated starts reporting true — the Go rendering of the
// original's weak_ptr<Promise> op-to-promise ownership direction.
type Base struct {
	table      string
	useSlave   bool
	combinable bool
	combineKey string
	weakP      weak.Pointer[promise.Promise[struct{}]]
	seqNum     uint64
}

func newBase(table string, useSlave, combinable bool, combineKey string) (Base, *promise.Future[struct{}]) {
	p := promise.New[struct{}]()
	b := Base{
		table:      table,
		useSlave:   useSlave,
		combinable: combinable,
		combineKey: combineKey,
		weakP:      weak.Make(p),
	}
	return b, p.Future()
}

func (b *Base) Table() string        { return b.table }
func (b *Base) ShouldUseSlave() bool { return b.useSlave }
func (b *Base) Combinable() bool     { return b.combinable }
func (b *Base) CombineKey() string   { return b.combineKey }
func (b *Base) ManualSuccess() bool  { return false }
func (b *Base) AlwaysSucceeds() bool { return false }
func (b *Base) ChecksIsolation() bool { return false }
func (b *Base) HandleRows(rows *sql.Rows) error { return nil }
func (b *Base) seq() uint64     { return b.seqNum }
func (b *Base) setSeq(n uint64) { b.seqNum = n }

func (b *Base) strongPromise() *promise.Promise[struct{}] { return b.weakP.Value() }

func (b *Base) IsIsolated() bool { return b.strongPromise() == nil }

func (b *Base) SetSuccess() {
	if p := b.strongPromise(); p != nil {
		_ = p.SetSuccess(struct{}{})
	}
}

func (b *Base) SetException(err error) {
	if p := b.strongPromise(); p != nil {
		_ = p.SetException(err)
	}
}

// SaveOp performs a REPLACE INTO, combinable per primary key so a
// burst of saves to the same row only ever writes the last one.
type SaveOp struct {
	Base
	Columns map[string]any
}

// NewSave constructs a Save operation. combineKey should uniquely
// identify the row (typically table plus primary key) so later saves
// to the same row supersede earlier, still-queued ones. The returned
// Future is the only strong reference to the operation's promise;
// hold onto it if you want to observe completion.
func NewSave(table, combineKey string, columns map[string]any) (*SaveOp, *promise.Future[struct{}]) {
	base, fut := newBase(table, false, true, combineKey)
	return &SaveOp{Base: base, Columns: columns}, fut
}

func (s *SaveOp) Variant() Variant { return VariantSave }

func (s *SaveOp) Build() (string, []any, bool, error) {
	q, args, err := builder.Replace(s.table).SetMap(s.Columns).ToSql()
	return q, args, false, err
}

// DeleteOp performs a DELETE using an equality WHERE clause built
// from Conditions.
type DeleteOp struct {
	Base
	Conditions map[string]any
}

func NewDelete(table string, conditions map[string]any) (*DeleteOp, *promise.Future[struct{}]) {
	base, fut := newBase(table, false, false, "")
	return &DeleteOp{Base: base, Conditions: conditions}, fut
}

func (d *DeleteOp) Variant() Variant { return VariantDelete }

func (d *DeleteOp) Build() (string, []any, bool, error) {
	q, args, err := builder.Delete(d.Table()).Where(sq.Eq(d.Conditions)).ToSql()
	return q, args, false, err
}

// LoadOp performs a single-row SELECT, routed to a slave connection
// when available, and hands the row to Scan.
type LoadOp struct {
	Base
	Columns    []string
	Conditions map[string]any
	Scan       func(*sql.Rows) error
}

func NewLoad(table string, columns []string, conditions map[string]any, scan func(*sql.Rows) error) (*LoadOp, *promise.Future[struct{}]) {
	base, fut := newBase(table, true, false, "")
	return &LoadOp{Base: base, Columns: columns, Conditions: conditions, Scan: scan}, fut
}

func (l *LoadOp) Variant() Variant        { return VariantLoad }
func (l *LoadOp) ChecksIsolation() bool   { return true }

func (l *LoadOp) Build() (string, []any, bool, error) {
	q, args, err := builder.Select(l.Columns...).From(l.Table()).Where(sq.Eq(l.Conditions)).Limit(1).ToSql()
	return q, args, false, err
}

func (l *LoadOp) HandleRows(rows *sql.Rows) error {
	if !rows.Next() {
		return rows.Err()
	}
	return l.Scan(rows)
}

// BatchLoadOp performs a multi-row SELECT, invoking Scan once per row.
// Unlike LoadOp, Scan errors abort iteration but do not fail rows
// already delivered to the caller.
type BatchLoadOp struct {
	Base
	Columns    []string
	Conditions map[string]any
	Scan       func(*sql.Rows) error
}

func NewBatchLoad(table string, columns []string, conditions map[string]any, scan func(*sql.Rows) error) (*BatchLoadOp, *promise.Future[struct{}]) {
	base, fut := newBase(table, true, false, "")
	return &BatchLoadOp{Base: base, Columns: columns, Conditions: conditions, Scan: scan}, fut
}

func (b *BatchLoadOp) Variant() Variant      { return VariantBatchLoad }
func (b *BatchLoadOp) ChecksIsolation() bool { return true }

func (b *BatchLoadOp) Build() (string, []any, bool, error) {
	q, args, err := builder.Select(b.Columns...).From(b.Table()).Where(sq.Eq(b.Conditions)).ToSql()
	return q, args, false, err
}

func (b *BatchLoadOp) HandleRows(rows *sql.Rows) error {
	for rows.Next() {
		if err := b.Scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LowLevelAccessOp executes caller-supplied SQL verbatim and leaves
// success reporting entirely to Exec, matching the original's no-op
// set_success(): the caller calls op.SetSuccess() itself if and when
// it decides the access succeeded.
type LowLevelAccessOp struct {
	Base
	Query string
	Args  []any
	Exec  func(rows *sql.Rows) error
}

func NewLowLevelAccess(table string, useSlave bool, query string, args []any, exec func(*sql.Rows) error) (*LowLevelAccessOp, *promise.Future[struct{}]) {
	base, fut := newBase(table, useSlave, false, "")
	return &LowLevelAccessOp{Base: base, Query: query, Args: args, Exec: exec}, fut
}

func (o *LowLevelAccessOp) Variant() Variant          { return VariantLowLevelAccess }
func (o *LowLevelAccessOp) ManualSuccess() bool       { return true }
func (o *LowLevelAccessOp) Build() (string, []any, bool, error) {
	return o.Query, o.Args, false, nil
}
func (o *LowLevelAccessOp) HandleRows(rows *sql.Rows) error {
	if o.Exec == nil {
		return nil
	}
	return o.Exec(rows)
}

// WaitOp is a pure rendezvous operation: it executes a trivial "DO 0"
// round trip against the shard's connection so the submitter can be
// sure every operation enqueued ahead of it has drained, then always
// reports success — mirroring the original OperationBase destructor's
// unconditional set_success() for the Wait variant (see DESIGN.md).
type WaitOp struct {
	Base
}

func NewWait(table string) (*WaitOp, *promise.Future[struct{}]) {
	base, fut := newBase(table, false, false, "")
	return &WaitOp{Base: base}, fut
}

func (w *WaitOp) Variant() Variant     { return VariantWait }
func (w *WaitOp) AlwaysSucceeds() bool { return true }
func (w *WaitOp) Build() (string, []any, bool, error) {
	return "DO 0", nil, false, nil
}

package dbdaemon

// WantsRows reports whether an operation's execution must go through
// QueryContext (and HandleRows) rather than ExecContext. Load and
// BatchLoad always want rows; LowLevelAccess defers to its own Exec
// callback signature, which also expects rows so raw SELECTs work
// through the same path.
type rowsWanter interface {
	WantsRows() bool
}

func wantsRows(op Operation) bool {
	if rw, ok := op.(rowsWanter); ok {
		return rw.WantsRows()
	}
	return false
}

func (l *LoadOp) WantsRows() bool           { return true }
func (b *BatchLoadOp) WantsRows() bool      { return true }
func (o *LowLevelAccessOp) WantsRows() bool { return true }

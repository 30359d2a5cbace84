package kv

import (
	"fmt"
	"runtime"
	"sync"

	. "github.com/stevegt/goadapt"
	bolt "go.etcd.io/bbolt"
)

// TxnState is the lifecycle state of a transaction.
type TxnState int

const (
	TxnOpen TxnState = iota
	TxnCommitted
	TxnReleased
)

func (s TxnState) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnCommitted:
		return "committed"
	case TxnReleased:
		return "released"
	}
	return fmt.Sprintf("TxnState(%d)", int(s))
}

// txn is the state shared by read and write transactions: the engine
// transaction, the bucket it is bound to, and the environment
// reference it holds.  The reference is dropped only after the
// engine transaction has finished.
type txn struct {
	mu    sync.Mutex
	h     *handle
	table *Table
	btx   *bolt.Tx
	bkt   *bolt.Bucket
	id    int
	state TxnState
	// dirty is the leaf space written so far, for the map check
	dirty int64
}

func (t *Table) begin(writable bool) (x *txn, err error) {
	h, err := t.env.retain(writable)
	if err != nil {
		return
	}
	// bbolt serialises writers here
	btx, err := t.env.bdb.Begin(writable)
	if err != nil {
		h.drop()
		return
	}
	bkt := btx.Bucket([]byte(t.name))
	if bkt == nil {
		btx.Rollback()
		h.drop()
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, t.name)
	}
	x = &txn{h: h, table: t, btx: btx, bkt: bkt, id: btx.ID()}
	return
}

// finish ends the engine transaction, commit or rollback, then drops
// the environment reference.  Only the first call does anything.
func (x *txn) finish(commit bool) (err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != TxnOpen {
		if commit {
			return ErrTxnClosed
		}
		return nil
	}
	if commit {
		err = x.table.env.checkRoom(x.btx, x.dirty)
		if err != nil {
			x.state = TxnReleased
			x.btx.Rollback()
			x.h.drop()
			return
		}
		x.state = TxnCommitted
		err = x.btx.Commit()
	} else {
		x.state = TxnReleased
		err = x.btx.Rollback()
	}
	x.h.drop()
	return
}

func (x *txn) get(key []byte) (val []byte, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != TxnOpen {
		return nil, ErrTxnClosed
	}
	raw := x.bkt.Get(key)
	if raw == nil {
		return nil, fmt.Errorf("%w: %s[%x]", ErrNotFound, x.table.name, key)
	}
	blob, err := decodeBlob(raw)
	if err != nil {
		return nil, fmt.Errorf("%s[%x]: %w", x.table.name, key, err)
	}
	// raw points into the mmap, which is only valid while the
	// transaction is open
	val = make([]byte, len(blob))
	copy(val, blob)
	return
}

func (x *txn) value(key []byte) (v Value, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != TxnOpen {
		return nil, ErrTxnClosed
	}
	raw := x.bkt.Get(key)
	if raw == nil {
		return nil, fmt.Errorf("%w: %s[%x]", ErrNotFound, x.table.name, key)
	}
	return DecodeValue(raw)
}

func (x *txn) getState() TxnState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// ReadTxn is a snapshot of a table as of BeginRead.  Writes committed
// afterwards are not visible to it, and the pages it can see are not
// reused while it is open.  A ReadTxn must be released; Release is
// idempotent, so `defer txn.Release()` is always safe.
type ReadTxn struct {
	x *txn
}

// BeginRead opens a read transaction.  Any number may be open at once,
// alongside a writer.
func (t *Table) BeginRead() (r *ReadTxn, err error) {
	x, err := t.begin(false)
	if err != nil {
		return
	}
	r = &ReadTxn{x: x}
	runtime.SetFinalizer(r, (*ReadTxn).leaked)
	return
}

func (r *ReadTxn) leaked() {
	if r.x.getState() == TxnOpen {
		Debug("releasing leaked read transaction %d on %s", r.x.id, r.x.table.name)
		r.x.finish(false)
	}
}

// Get returns a copy of the blob stored under key as of the snapshot.
// It fails with ErrNotFound if key is absent and ErrValueType if the
// stored value is not a blob.
func (r *ReadTxn) Get(key []byte) ([]byte, error) {
	return r.x.get(key)
}

// Value returns the typed value stored under key.
func (r *ReadTxn) Value(key []byte) (Value, error) {
	return r.x.value(key)
}

// ID returns the id of the committed transaction this snapshot sees.
func (r *ReadTxn) ID() int {
	return r.x.id
}

// State returns the transaction state.
func (r *ReadTxn) State() TxnState {
	return r.x.getState()
}

// Table returns the table the transaction is bound to.
func (r *ReadTxn) Table() *Table {
	return r.x.table
}

// Release ends the snapshot and gives up its reader position.
func (r *ReadTxn) Release() (err error) {
	runtime.SetFinalizer(r, nil)
	return r.x.finish(false)
}

// WriteTxn is the single writer.  Its changes become visible to read
// transactions begun after Commit returns.
type WriteTxn struct {
	x *txn
}

// BeginWrite opens the write transaction, blocking until any other
// writer in the process has committed or aborted.
func (t *Table) BeginWrite() (w *WriteTxn, err error) {
	x, err := t.begin(true)
	if err != nil {
		return
	}
	w = &WriteTxn{x: x}
	runtime.SetFinalizer(w, (*WriteTxn).leaked)
	return
}

func (w *WriteTxn) leaked() {
	if w.x.getState() == TxnOpen {
		Debug("aborting leaked write transaction %d on %s", w.x.id, w.x.table.name)
		w.x.finish(false)
	}
}

// Put stores value under key.  Any existing entry is deleted first.
func (w *WriteTxn) Put(key, value []byte) error {
	return w.PutValue(key, Blob(value))
}

// PutValue stores a typed value under key, deleting any existing
// entry first.
func (w *WriteTxn) PutValue(key []byte, v Value) (err error) {
	defer Return(&err)
	buf, err := EncodeValue(v)
	if err != nil {
		return
	}
	x := w.x
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != TxnOpen {
		return ErrTxnClosed
	}
	// absence is not an error
	if derr := x.bkt.Delete(key); derr != nil {
		Debug("delete %s[%x] before put: %v", x.table.name, key, derr)
	}
	err = x.bkt.Put(key, buf)
	Ck(err)
	x.dirty += int64(len(key) + len(buf) + leafOverhead)
	return
}

// Delete removes key.  A missing key is not an error.
func (w *WriteTxn) Delete(key []byte) (err error) {
	x := w.x
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state != TxnOpen {
		return ErrTxnClosed
	}
	return x.bkt.Delete(key)
}

// Get returns the blob stored under key, including uncommitted writes
// made by this transaction.
func (w *WriteTxn) Get(key []byte) ([]byte, error) {
	return w.x.get(key)
}

// Value returns the typed value stored under key.
func (w *WriteTxn) Value(key []byte) (Value, error) {
	return w.x.value(key)
}

// ID returns the id this transaction will commit as.
func (w *WriteTxn) ID() int {
	return w.x.id
}

// State returns the transaction state.
func (w *WriteTxn) State() TxnState {
	return w.x.getState()
}

// Commit publishes the transaction's writes and releases the writer
// position.  The transaction cannot be used afterwards; a second
// Commit returns ErrTxnClosed.  If the writes might not fit under the
// map size the transaction is rolled back and Commit returns
// ErrMapFull.
func (w *WriteTxn) Commit() (err error) {
	runtime.SetFinalizer(w, nil)
	return w.x.finish(true)
}

// Abort discards the transaction's writes.  It is a no-op after
// Commit or a previous Abort.
func (w *WriteTxn) Abort() (err error) {
	runtime.SetFinalizer(w, nil)
	return w.x.finish(false)
}

// Package concurrency composes the lock manager and MVCC store behind a
// single transactional entry point for the executor (spec.md §4.8). The
// teacher has no equivalent layer — its KVTX is a plain copy-on-write
// transaction with no locking or MVCC — so this is built fresh, in the
// teacher's idiom of small exported methods returning (T, error) with
// unexported fields. New starts no background goroutine.
package concurrency

import (
	"sync"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/lockmgr"
	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
	"github.com/nainya/reldb/internal/mvcc"
	"github.com/nainya/reldb/internal/wal"
)

// Facade is the single entry point a query executor drives: begin, read,
// write, delete, commit, abort, vacuum (spec.md §4.8).
type Facade struct {
	mu sync.Mutex

	versions *mvcc.Store
	locks    *lockmgr.Manager
	log      *wal.WAL // optional; nil disables transaction-boundary logging
	metrics  *metrics.Metrics
	logger   *logger.Logger

	isolation map[common.TxID]common.IsolationLevel
	snapshot  map[common.TxID]common.Timestamp
}

// New builds a Facade over an already-constructed MVCC store and lock
// manager. log may be nil to run without WAL durability (e.g. tests).
func New(versions *mvcc.Store, locks *lockmgr.Manager, log *wal.WAL, m *metrics.Metrics) *Facade {
	return &Facade{
		versions:  versions,
		locks:     locks,
		log:       log,
		metrics:   m,
		logger:    logger.Global().Component("concurrency"),
		isolation: make(map[common.TxID]common.IsolationLevel),
		snapshot:  make(map[common.TxID]common.Timestamp),
	}
}

// Begin starts a transaction under the given isolation level and returns
// its id and snapshot timestamp.
func (f *Facade) Begin(isolation common.IsolationLevel) (common.TxID, common.Timestamp, error) {
	tx := f.versions.Begin()
	snap := f.versions.Snapshot()

	f.mu.Lock()
	f.isolation[tx] = isolation
	f.snapshot[tx] = snap
	f.mu.Unlock()

	if f.log != nil {
		rec := &wal.Record{LSN: f.log.NextLSN(), Type: wal.RecordBegin, TxID: tx}
		if err := f.log.Append(rec); err != nil {
			return tx, snap, common.Wrap(common.KindIO, "Facade.Begin", err)
		}
	}
	return tx, snap, nil
}

// Read returns rowID's value visible to tx, taking a Shared lock first
// except under ReadUncommitted (spec.md §4.8).
func (f *Facade) Read(tx common.TxID, rowID uint64) ([]byte, error) {
	iso, snap := f.txContext(tx)

	if iso != common.ReadUncommitted {
		if err := f.locks.Acquire(tx, lockmgr.RowResource(rowID), lockmgr.Shared); err != nil {
			return nil, err
		}
	}

	v, err := f.versions.ReadVersion(tx, rowID, snap, iso)
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// Write acquires an Exclusive lock on rowID and creates a new version
// holding data.
func (f *Facade) Write(tx common.TxID, rowID uint64, data []byte) error {
	if err := f.locks.Acquire(tx, lockmgr.RowResource(rowID), lockmgr.Exclusive); err != nil {
		return err
	}
	_, err := f.versions.CreateVersion(tx, rowID, data)
	return err
}

// Delete acquires an Exclusive lock on rowID and marks its current
// version deleted by tx.
func (f *Facade) Delete(tx common.TxID, rowID uint64) error {
	iso, snap := f.txContext(tx)
	if err := f.locks.Acquire(tx, lockmgr.RowResource(rowID), lockmgr.Exclusive); err != nil {
		return err
	}
	return f.versions.DeleteVersion(tx, rowID, snap, iso)
}

// Commit marks tx's versions committed, durably records the boundary,
// and releases every lock tx holds.
func (f *Facade) Commit(tx common.TxID) error {
	if err := f.versions.Commit(tx); err != nil {
		return err
	}
	if f.log != nil {
		rec := &wal.Record{LSN: f.log.NextLSN(), Type: wal.RecordCommit, TxID: tx}
		if err := f.log.Append(rec); err != nil {
			return common.Wrap(common.KindIO, "Facade.Commit", err)
		}
		if err := f.log.Fsync(); err != nil {
			return common.Wrap(common.KindIO, "Facade.Commit", err)
		}
	}
	f.locks.ReleaseAll(tx)
	f.forgetTx(tx)
	return nil
}

// Abort marks tx's versions aborted and releases every lock tx holds.
func (f *Facade) Abort(tx common.TxID) error {
	if err := f.versions.Abort(tx); err != nil {
		return err
	}
	if f.log != nil {
		rec := &wal.Record{LSN: f.log.NextLSN(), Type: wal.RecordAbort, TxID: tx}
		if err := f.log.Append(rec); err != nil {
			return common.Wrap(common.KindIO, "Facade.Abort", err)
		}
	}
	f.locks.ReleaseAll(tx)
	f.forgetTx(tx)
	return nil
}

// Vacuum forwards to the MVCC store, bounding reclamation by the oldest
// snapshot any still-active transaction is holding (min_active_tx,
// spec.md §4.8).
func (f *Facade) Vacuum() int {
	return f.versions.Vacuum(f.minActiveSnapshot())
}

func (f *Facade) txContext(tx common.TxID) (common.IsolationLevel, common.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isolation[tx], f.snapshot[tx]
}

func (f *Facade) forgetTx(tx common.TxID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.isolation, tx)
	delete(f.snapshot, tx)
}

func (f *Facade) minActiveSnapshot() common.Timestamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshot) == 0 {
		return f.versions.Snapshot()
	}
	var min common.Timestamp
	first := true
	for _, ts := range f.snapshot {
		if first || ts < min {
			min = ts
			first = false
		}
	}
	return min
}

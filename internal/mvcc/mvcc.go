// Package mvcc implements multi-version concurrency control: a per-row
// version chain with create/read/delete operations, transaction
// commit/abort bookkeeping, and VACUUM to reclaim versions no longer
// visible to any snapshot (spec.md §4.5).
package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/nainya/reldb/internal/btree"
	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/metrics"
)

type txInfo struct {
	state    VersionState
	commitTS common.Timestamp
}

// Store manages row version chains on top of a B+ tree keyed by
// (rowID, ^versionSeq), so a forward scan of one row's prefix visits its
// versions newest-first.
type Store struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	cfg     common.AcidConfig
	metrics *metrics.Metrics

	seq      atomic.Uint64
	clock    atomic.Uint64
	nextTxID atomic.Uint64
	txTable  map[common.TxID]*txInfo
}

// New builds a Store over tree, which should be otherwise private to this
// Store (it owns the full key space).
func New(tree *btree.BTree, cfg common.AcidConfig, m *metrics.Metrics) *Store {
	return &Store{
		tree:    tree,
		cfg:     cfg,
		metrics: m,
		txTable: make(map[common.TxID]*txInfo),
	}
}

// Begin starts a new transaction and returns its id.
func (s *Store) Begin() common.TxID {
	id := common.TxID(s.nextTxID.Add(1))
	s.mu.Lock()
	s.txTable[id] = &txInfo{state: StateActive}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.MVCCActiveTransactions.Inc()
	}
	return id
}

// now returns a process-monotonic logical timestamp; MVCC never needs
// wall-clock time, only a total order of events.
func (s *Store) now() common.Timestamp {
	return common.Timestamp(s.clock.Add(1))
}

// Commit marks tx committed with a fresh commit timestamp, making its
// writes visible to later snapshots.
func (s *Store) Commit(tx common.TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.txTable[tx]
	if !ok {
		return common.New(common.KindNotFound, "Store.Commit", nil)
	}
	info.state = StateCommitted
	info.commitTS = s.now()
	if s.metrics != nil {
		s.metrics.MVCCActiveTransactions.Dec()
	}
	return nil
}

// Abort marks tx aborted; its versions become permanently invisible.
func (s *Store) Abort(tx common.TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.txTable[tx]
	if !ok {
		return common.New(common.KindNotFound, "Store.Abort", nil)
	}
	info.state = StateAborted
	if s.metrics != nil {
		s.metrics.MVCCActiveTransactions.Dec()
	}
	return nil
}

func (s *Store) txState(tx common.TxID) (VersionState, common.Timestamp) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.txTable[tx]
	if !ok {
		return StateAborted, 0
	}
	return info.state, info.commitTS
}

// CreateVersion appends a new version for rowID, written by tx.
func (s *Store) CreateVersion(tx common.TxID, rowID uint64, data []byte) (uint64, error) {
	seq := s.seq.Add(1)
	v := &RowVersion{
		RowID:       rowID,
		VersionSeq:  seq,
		CreatedByTx: tx,
		CreatedAt:   s.now(),
		State:       StateActive,
		Data:        data,
	}
	s.tree.Insert(chainKey(rowID, seq), encodeRowVersion(v))
	if s.metrics != nil {
		s.metrics.MVCCVersionsCreatedTotal.Inc()
	}
	return seq, nil
}

// DeleteVersion marks the currently visible version of rowID as deleted
// by tx (the version stays in the chain until VACUUM reclaims it).
func (s *Store) DeleteVersion(tx common.TxID, rowID uint64, snapshotTS common.Timestamp, isolation common.IsolationLevel) error {
	v, err := s.readVisible(tx, rowID, snapshotTS, isolation)
	if err != nil {
		return err
	}
	v.DeletedByTx = tx
	s.tree.Insert(chainKey(rowID, v.VersionSeq), encodeRowVersion(v))
	return nil
}

// ReadVersion returns the version of rowID visible to tx holding
// snapshotTS under the given isolation level, or KindNotFound if the row
// is absent or has been deleted as of that snapshot. While tx is active it
// always observes its own writes, regardless of isolation level: a version
// tx created is visible to it, and a version tx deleted reads as
// KindNotFound (spec.md §4.5, §5: a transaction observes its own prior
// writes).
func (s *Store) ReadVersion(tx common.TxID, rowID uint64, snapshotTS common.Timestamp, isolation common.IsolationLevel) (*RowVersion, error) {
	return s.readVisible(tx, rowID, snapshotTS, isolation)
}

func (s *Store) readVisible(tx common.TxID, rowID uint64, snapshotTS common.Timestamp, isolation common.IsolationLevel) (*RowVersion, error) {
	var result *RowVersion
	s.tree.RangeSearch(chainPrefix(rowID), chainPrefixEnd(rowID), func(key, val []byte) bool {
		v := decodeRowVersion(decodeRowID(key), decodeVersionSeq(key), val)
		if !s.visible(tx, v, snapshotTS, isolation) {
			return true // keep scanning older versions
		}
		result = v
		return false
	})

	if result == nil {
		return nil, common.New(common.KindNotFound, "Store.ReadVersion", nil)
	}
	if result.DeletedByTx != 0 {
		state, commitTS := s.txState(result.DeletedByTx)
		if s.txVisible(tx, result.DeletedByTx, state, commitTS, snapshotTS, isolation) {
			return nil, common.New(common.KindNotFound, "Store.ReadVersion", nil)
		}
	}
	return result, nil
}

// visible reports whether v's creation is visible to tx holding
// snapshotTS under isolation.
func (s *Store) visible(tx common.TxID, v *RowVersion, snapshotTS common.Timestamp, isolation common.IsolationLevel) bool {
	state, commitTS := s.txState(v.CreatedByTx)
	return s.txVisible(tx, v.CreatedByTx, state, commitTS, snapshotTS, isolation)
}

// txVisible reports whether a version in the given state, created or
// deleted by owner, is visible to tx holding snapshotTS under isolation.
// A version owner == tx put into StateActive is always visible to tx
// itself, independent of isolation level: the same escape hatch
// original_source/src/core/mvcc.rs's is_visible gives created_by ==
// transaction_id.
func (s *Store) txVisible(tx, owner common.TxID, state VersionState, commitTS, snapshotTS common.Timestamp, isolation common.IsolationLevel) bool {
	if state == StateActive && owner == tx {
		return true
	}
	switch state {
	case StateAborted:
		return false
	case StateActive:
		return isolation == common.ReadUncommitted
	case StateCommitted:
		if isolation == common.ReadUncommitted || isolation == common.ReadCommitted {
			return true
		}
		return commitTS <= snapshotTS
	default:
		return false
	}
}

// Snapshot returns the current logical timestamp, used as a transaction's
// snapshotTS under RepeatableRead/Serializable.
func (s *Store) Snapshot() common.Timestamp {
	return s.now()
}

// Vacuum removes versions that are no longer visible to any snapshot at
// or after horizonTS, and trims chains longer than AcidConfig.MaxVersions.
// It returns the number of versions removed.
func (s *Store) Vacuum(horizonTS common.Timestamp) int {
	type chainEntry struct {
		key []byte
		v   *RowVersion
	}
	chains := make(map[uint64][]chainEntry)

	s.tree.Scan(nil, func(key, val []byte) bool {
		rowID := decodeRowID(key)
		v := decodeRowVersion(rowID, decodeVersionSeq(key), val)
		chains[rowID] = append(chains[rowID], chainEntry{key: append([]byte(nil), key...), v: v})
		return true
	})

	removed := 0
	for _, entries := range chains {
		// entries are already newest-first because of the descending-seq
		// key encoding and ascending tree scan order.
		hidden := false // a newer version or delete settled before horizonTS hides the rest
		for i, e := range entries {
			createState, createTS := s.txState(e.v.CreatedByTx)
			reclaimable := hidden || createState == StateAborted

			if e.v.DeletedByTx != 0 {
				state, commitTS := s.txState(e.v.DeletedByTx)
				if state == StateCommitted && commitTS < horizonTS {
					reclaimable = true
					hidden = true
				}
			}
			if s.cfg.MaxVersions > 0 && i >= s.cfg.MaxVersions {
				reclaimable = true
			}
			if createState == StateCommitted && createTS < horizonTS {
				hidden = true
			}

			if reclaimable {
				s.tree.Delete(e.key)
				removed++
			}
		}
	}

	if s.metrics != nil && removed > 0 {
		s.metrics.MVCCVersionsVacuumed.Add(float64(removed))
	}
	return removed
}

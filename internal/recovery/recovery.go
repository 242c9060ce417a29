// Package recovery implements ARIES-style Analysis/REDO/UNDO crash
// recovery over the write-ahead log (spec.md §4.7, §9). The teacher's
// pkg/wal.Recovery only replays committed transactions in a single pass
// with no dirty-page tracking or UNDO; spec.md §9 flags this gap and
// mandates the full three-phase algorithm implemented here.
package recovery

import (
	"sort"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
	"github.com/nainya/reldb/internal/wal"
)

// PageApplier writes a raw page image to storage during REDO/UNDO. A
// *filemanager.FileManager satisfies this directly via its WritePage
// method.
type PageApplier interface {
	WritePage(id common.PageID, data []byte) error
}

// txState is a transaction's Analysis-phase summary.
type txState struct {
	firstLSN  common.LSN
	lastLSN   common.LSN
	committed bool
	aborted   bool
	ops       []*wal.Record
}

// Stats summarizes one recovery run (spec.md §4.7).
type Stats struct {
	TotalRecords      int
	CommittedTxns     int
	AbortedTxns       int
	ActiveTxns        int // in-flight at crash, rolled back by UNDO
	RedoApplied       int
	UndoApplied       int
	LastLSN           common.LSN
	CheckpointLSN     common.LSN
	DirtyPagesAtCrash int
}

// Manager drives recovery for a single WAL against a single storage file.
type Manager struct {
	w       *wal.WAL
	applier PageApplier
	cfg     common.RecoveryConfig
	metrics *metrics.Metrics
	log     *logger.Logger
}

// New builds a Manager.
func New(w *wal.WAL, applier PageApplier, cfg common.RecoveryConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		w:       w,
		applier: applier,
		cfg:     cfg,
		metrics: m,
		log:     logger.Global().Component("recovery"),
	}
}

// Recover runs Analysis, REDO, then UNDO against whatever the WAL
// segments contain, restoring storage to a consistent post-crash state.
func (m *Manager) Recover() (*Stats, error) {
	if m.metrics != nil {
		m.metrics.RecoveryRunsTotal.Inc()
	}

	segments, err := m.w.Segments()
	if err != nil {
		return nil, common.Wrap(common.KindRecovery, "Manager.Recover", err)
	}
	records, err := wal.ReadAll(segments)
	if err != nil {
		return nil, common.Wrap(common.KindRecovery, "Manager.Recover", err)
	}

	txns, checkpointLSN, dirtyPages := m.analyze(records)

	stats := &Stats{
		TotalRecords:      len(records),
		CheckpointLSN:     checkpointLSN,
		DirtyPagesAtCrash: len(dirtyPages),
	}
	for _, t := range txns {
		switch {
		case t.committed:
			stats.CommittedTxns++
		case t.aborted:
			stats.AbortedTxns++
		default:
			stats.ActiveTxns++
		}
		if t.lastLSN > stats.LastLSN {
			stats.LastLSN = t.lastLSN
		}
	}

	if err := m.redo(txns, records, checkpointLSN, stats); err != nil {
		return stats, common.Wrap(common.KindRecovery, "Manager.Recover", err)
	}
	if err := m.undo(txns, stats); err != nil {
		return stats, common.Wrap(common.KindRecovery, "Manager.Recover", err)
	}

	m.log.Info("recovery complete").
		Int("committed", stats.CommittedTxns).
		Int("aborted", stats.AbortedTxns).
		Int("active_rolled_back", stats.ActiveTxns).
		Int("redo_applied", stats.RedoApplied).
		Int("undo_applied", stats.UndoApplied).
		Send()

	return stats, nil
}

// analyze is ARIES's Analysis phase: scan records in LSN order from the
// last checkpoint (spec.md §5 "checkpoint-bounded recovery scan"),
// grouping them by transaction and collecting the dirty-page set.
func (m *Manager) analyze(records []*wal.Record) (map[common.TxID]*txState, common.LSN, map[common.PageID]common.LSN) {
	var checkpointLSN common.LSN
	for _, r := range records {
		if r.Type == wal.RecordCheckpoint {
			checkpointLSN = r.LSN
		}
	}

	txns := make(map[common.TxID]*txState)
	dirtyPages := make(map[common.PageID]common.LSN)

	for _, r := range records {
		if r.LSN < checkpointLSN {
			continue
		}
		switch r.Type {
		case wal.RecordCheckpoint:
			continue
		case wal.RecordBegin:
			txns[r.TxID] = &txState{firstLSN: r.LSN, lastLSN: r.LSN}
		case wal.RecordCommit:
			t := txns[r.TxID]
			if t == nil {
				t = &txState{firstLSN: r.LSN}
				txns[r.TxID] = t
			}
			t.committed = true
			t.lastLSN = r.LSN
		case wal.RecordAbort:
			t := txns[r.TxID]
			if t == nil {
				t = &txState{firstLSN: r.LSN}
				txns[r.TxID] = t
			}
			t.aborted = true
			t.lastLSN = r.LSN
		default:
			if !r.Type.IsDataOp() {
				continue
			}
			t := txns[r.TxID]
			if t == nil {
				t = &txState{firstLSN: r.LSN}
				txns[r.TxID] = t
			}
			t.ops = append(t.ops, r)
			t.lastLSN = r.LSN

			if payload, err := wal.DecodeDataPayload(r.Payload); err == nil {
				if _, seen := dirtyPages[payload.PageID]; !seen {
					dirtyPages[payload.PageID] = r.LSN
				}
			}
		}
	}

	return txns, checkpointLSN, dirtyPages
}

// redo reapplies every data operation belonging to a committed
// transaction, in ascending LSN order; REDO is idempotent so re-running
// it against an already-current page is harmless.
func (m *Manager) redo(txns map[common.TxID]*txState, records []*wal.Record, checkpointLSN common.LSN, stats *Stats) error {
	var redoable []*wal.Record
	for _, r := range records {
		if r.LSN < checkpointLSN || !r.Type.IsDataOp() {
			continue
		}
		t := txns[r.TxID]
		if t == nil || !t.committed {
			continue
		}
		redoable = append(redoable, r)
	}
	sort.Slice(redoable, func(i, j int) bool { return redoable[i].LSN < redoable[j].LSN })

	for _, r := range redoable {
		payload, err := wal.DecodeDataPayload(r.Payload)
		if err != nil {
			continue // corrupted record already logged by the WAL reader
		}
		if err := m.applier.WritePage(payload.PageID, payload.NewImage); err != nil {
			return err
		}
		stats.RedoApplied++
	}
	if m.metrics != nil {
		m.metrics.RecoveryReplayedTotal.Add(float64(stats.RedoApplied))
	}
	return nil
}

// undo rolls back every transaction that was neither committed nor
// aborted by crash time, walking each one's operations in reverse LSN
// order and restoring the pre-image.
func (m *Manager) undo(txns map[common.TxID]*txState, stats *Stats) error {
	for _, t := range txns {
		if t.committed || t.aborted {
			continue
		}
		ops := append([]*wal.Record(nil), t.ops...)
		sort.Slice(ops, func(i, j int) bool { return ops[i].LSN > ops[j].LSN })

		for _, r := range ops {
			payload, err := wal.DecodeDataPayload(r.Payload)
			if err != nil {
				continue
			}
			if err := m.applier.WritePage(payload.PageID, payload.OldImage); err != nil {
				return err
			}
			stats.UndoApplied++
		}
	}
	return nil
}

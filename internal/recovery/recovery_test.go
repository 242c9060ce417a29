package recovery

import (
	"testing"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/wal"
)

type fakeApplier struct {
	pages map[common.PageID][]byte
	calls int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{pages: make(map[common.PageID][]byte)}
}

func (f *fakeApplier) WritePage(id common.PageID, data []byte) error {
	f.calls++
	buf := make([]byte, len(data))
	copy(buf, data)
	f.pages[id] = buf
	return nil
}

func openTestWAL(t *testing.T) *wal.WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(common.WALConfig{Dir: dir, MaxSegmentBytes: 1 << 20, MaxSegments: 10}, nil)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	return w
}

// TestRecoverReplaysCommittedAndUndoesActive mirrors spec.md's S4
// scenario: Begin(T1), Insert(T1,k,v), Commit(T1), Begin(T2),
// Update(T2,k,v'), <crash>. After recovery, page 1 must hold v (T1's
// committed write), not v' (T2 was never committed).
func TestRecoverReplaysCommittedAndUndoesActive(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	emptyPage := make([]byte, 16)
	vPage := []byte("value-v---------")
	vPrimePage := []byte("value-v-prime---")

	records := []*wal.Record{
		{LSN: w.NextLSN(), Type: wal.RecordBegin, TxID: 1},
		{LSN: w.NextLSN(), Type: wal.RecordInsert, TxID: 1, Payload: wal.EncodeDataPayload(wal.DataPayload{
			FileID: 1, PageID: 1, OldImage: emptyPage, NewImage: vPage,
		})},
		{LSN: w.NextLSN(), Type: wal.RecordCommit, TxID: 1},
		{LSN: w.NextLSN(), Type: wal.RecordBegin, TxID: 2},
		{LSN: w.NextLSN(), Type: wal.RecordUpdate, TxID: 2, Payload: wal.EncodeDataPayload(wal.DataPayload{
			FileID: 1, PageID: 1, OldImage: vPage, NewImage: vPrimePage,
		})},
	}
	for _, r := range records {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Fsync(); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	applier := newFakeApplier()
	mgr := New(w, applier, common.DefaultRecoveryConfig(), nil)

	stats, err := mgr.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if stats.CommittedTxns != 1 || stats.ActiveTxns != 1 {
		t.Fatalf("expected 1 committed, 1 active; got committed=%d active=%d", stats.CommittedTxns, stats.ActiveTxns)
	}
	if stats.RedoApplied != 1 {
		t.Fatalf("expected 1 redo (T1's insert), got %d", stats.RedoApplied)
	}
	if stats.UndoApplied != 1 {
		t.Fatalf("expected 1 undo (T2's update), got %d", stats.UndoApplied)
	}

	got := applier.pages[1]
	if string(got) != string(vPage) {
		t.Fatalf("expected page 1 to hold T1's committed value %q after recovery, got %q", vPage, got)
	}
}

func TestRecoverWithNoWALIsNoop(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	applier := newFakeApplier()
	mgr := New(w, applier, common.DefaultRecoveryConfig(), nil)

	stats, err := mgr.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if stats.TotalRecords != 0 || applier.calls != 0 {
		t.Fatalf("expected no-op recovery on empty WAL, got %+v calls=%d", stats, applier.calls)
	}
}

func TestRecoverSkipsAbortedTransaction(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	emptyPage := make([]byte, 16)
	vPage := []byte("aborted-value---")

	records := []*wal.Record{
		{LSN: w.NextLSN(), Type: wal.RecordBegin, TxID: 1},
		{LSN: w.NextLSN(), Type: wal.RecordInsert, TxID: 1, Payload: wal.EncodeDataPayload(wal.DataPayload{
			FileID: 1, PageID: 1, OldImage: emptyPage, NewImage: vPage,
		})},
		{LSN: w.NextLSN(), Type: wal.RecordAbort, TxID: 1},
	}
	for _, r := range records {
		if err := w.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Fsync(); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	applier := newFakeApplier()
	mgr := New(w, applier, common.DefaultRecoveryConfig(), nil)

	stats, err := mgr.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if stats.RedoApplied != 0 || stats.UndoApplied != 0 {
		t.Fatalf("aborted transaction should need neither redo nor undo, got redo=%d undo=%d", stats.RedoApplied, stats.UndoApplied)
	}
}

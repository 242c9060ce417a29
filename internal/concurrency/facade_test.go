package concurrency

import (
	"testing"
	"time"

	"github.com/nainya/reldb/internal/btree"
	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/lockmgr"
	"github.com/nainya/reldb/internal/mvcc"
)

// memStore is an in-memory btree.PageStore fake; see internal/mvcc's test
// fake of the same shape.
type memStore struct {
	pages map[common.PageID][]byte
	next  common.PageID
}

func newMemStore() *memStore {
	return &memStore{pages: map[common.PageID][]byte{}, next: 1}
}

func (m *memStore) Get(id common.PageID) []byte {
	node, ok := m.pages[id]
	if !ok {
		panic("page not found")
	}
	return node
}

func (m *memStore) New(node []byte) common.PageID {
	id := m.next
	m.next++
	buf := make([]byte, common.PageSize)
	copy(buf, node)
	m.pages[id] = buf
	return id
}

func (m *memStore) Del(id common.PageID) { delete(m.pages, id) }

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	tree := btree.New(newMemStore(), nil)
	versions := mvcc.New(tree, common.DefaultAcidConfig(), nil)

	cfg := common.DefaultLockManagerConfig()
	cfg.LockTimeout = 200 * time.Millisecond
	cfg.AutoDeadlockDetection = false
	locks := lockmgr.New(cfg, nil)
	t.Cleanup(locks.Stop)

	return New(versions, locks, nil, nil)
}

func TestWriteThenReadOwnTransaction(t *testing.T) {
	f := newTestFacade(t)
	tx, _, err := f.Begin(common.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := f.Write(tx, 1, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := f.Read(tx, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
	if err := f.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestConcurrentReadersSeeCommittedSnapshot mirrors spec.md's S2 scenario:
// one writer commits, two independently-begun readers each see a
// consistent snapshot without blocking each other.
func TestConcurrentReadersSeeCommittedSnapshot(t *testing.T) {
	f := newTestFacade(t)

	writer, _, _ := f.Begin(common.ReadCommitted)
	if err := f.Write(writer, 1, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Commit(writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r1, _, _ := f.Begin(common.RepeatableRead)
	r2, _, _ := f.Begin(common.RepeatableRead)

	done := make(chan string, 2)
	for _, tx := range []common.TxID{r1, r2} {
		tx := tx
		go func() {
			v, err := f.Read(tx, 1)
			if err != nil {
				done <- "error: " + err.Error()
				return
			}
			done <- string(v)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case v := <-done:
			if v != "v1" {
				t.Fatalf("expected both readers to see v1, got %q", v)
			}
		case <-time.After(time.Second):
			t.Fatal("readers deadlocked on a Shared lock")
		}
	}

	f.Commit(r1)
	f.Commit(r2)
}

func TestReadUncommittedSeesUncommittedWrite(t *testing.T) {
	f := newTestFacade(t)

	writer, _, _ := f.Begin(common.ReadCommitted)
	if err := f.Write(writer, 1, []byte("base")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Commit(writer)

	writer2, _, _ := f.Begin(common.ReadCommitted)
	if err := f.Write(writer2, 1, []byte("uncommitted")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reader, _, _ := f.Begin(common.ReadUncommitted)
	got, err := f.Read(reader, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "uncommitted" {
		t.Fatalf("ReadUncommitted should see the dirty write, got %q", got)
	}
	f.Commit(reader)
	f.Abort(writer2)
}

func TestDeleteHidesRowAfterCommit(t *testing.T) {
	f := newTestFacade(t)

	tx, _, _ := f.Begin(common.ReadCommitted)
	if err := f.Write(tx, 1, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Commit(tx)

	del, _, _ := f.Begin(common.ReadCommitted)
	if err := f.Delete(del, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	f.Commit(del)

	reader, _, _ := f.Begin(common.ReadCommitted)
	if _, err := f.Read(reader, 1); !common.IsKind(err, common.KindNotFound) {
		t.Fatalf("expected NotFound after committed delete, got %v", err)
	}
	f.Commit(reader)
}

func TestVacuumReclaimsBelowMinActiveSnapshot(t *testing.T) {
	f := newTestFacade(t)

	tx1, _, _ := f.Begin(common.ReadCommitted)
	f.Write(tx1, 1, []byte("v1"))
	f.Commit(tx1)

	tx2, _, _ := f.Begin(common.ReadCommitted)
	f.Write(tx2, 1, []byte("v2"))
	f.Commit(tx2)

	// No active transactions left holding an old snapshot; vacuum may
	// reclaim the superseded version.
	f.Vacuum()

	reader, _, _ := f.Begin(common.ReadCommitted)
	got, err := f.Read(reader, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("expected newest version v2 to survive vacuum, got %q", got)
	}
	f.Commit(reader)
}

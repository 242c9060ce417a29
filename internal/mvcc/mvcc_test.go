package mvcc

import (
	"testing"

	"github.com/nainya/reldb/internal/btree"
	"github.com/nainya/reldb/internal/common"
)

// memStore is an in-memory btree.PageStore fake, mirroring the one in
// internal/btree's own tests, so this package's tests don't need a real
// file-backed FileManager.
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

func (m *memStore) Del(id common.PageID) {
	delete(m.pages, id)
}

func newTestStore() *Store {
	tree := btree.New(newMemStore(), nil)
	return New(tree, common.DefaultAcidConfig(), nil)
}

func TestCreateAndReadOwnWriteBeforeCommit(t *testing.T) {
	s := newTestStore()
	tx := s.Begin()

	if _, err := s.CreateVersion(tx, 1, []byte("v1")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	// The writer sees its own uncommitted write regardless of isolation
	// level.
	if _, err := s.ReadVersion(tx, 1, s.Snapshot(), common.ReadCommitted); err != nil {
		t.Fatalf("expected tx to see its own uncommitted write: %v", err)
	}

	// A different transaction does not see it under ReadCommitted.
	other := s.Begin()
	if _, err := s.ReadVersion(other, 1, s.Snapshot(), common.ReadCommitted); err == nil {
		t.Fatal("expected a different transaction not to see an uncommitted write under ReadCommitted")
	}
}

func TestReadCommittedSeesNewestCommittedVersion(t *testing.T) {
	s := newTestStore()

	tx1 := s.Begin()
	if _, err := s.CreateVersion(tx1, 1, []byte("v1")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Commit(tx1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := s.Begin()
	if _, err := s.CreateVersion(tx2, 1, []byte("v2")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Commit(tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, err := s.ReadVersion(tx2, 1, s.Snapshot(), common.ReadCommitted)
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if string(v.Data) != "v2" {
		t.Fatalf("expected newest committed version v2, got %q", v.Data)
	}
}

func TestRepeatableReadPinsSnapshot(t *testing.T) {
	s := newTestStore()

	tx1 := s.Begin()
	if _, err := s.CreateVersion(tx1, 1, []byte("v1")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Commit(tx1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snapshot := s.Snapshot()

	tx2 := s.Begin()
	if _, err := s.CreateVersion(tx2, 1, []byte("v2")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Commit(tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, err := s.ReadVersion(tx2, 1, snapshot, common.RepeatableRead)
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if string(v.Data) != "v1" {
		t.Fatalf("expected snapshot to pin v1, got %q", v.Data)
	}
}

func TestAbortedVersionNeverVisible(t *testing.T) {
	s := newTestStore()

	tx := s.Begin()
	if _, err := s.CreateVersion(tx, 1, []byte("v1")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Abort(tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := s.ReadVersion(tx, 1, s.Snapshot(), common.ReadUncommitted); err == nil {
		t.Fatal("expected aborted version never to be visible, even under ReadUncommitted")
	}
}

func TestDeleteVersionHidesRowAfterCommit(t *testing.T) {
	s := newTestStore()

	tx1 := s.Begin()
	if _, err := s.CreateVersion(tx1, 1, []byte("v1")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Commit(tx1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := s.Begin()
	if err := s.DeleteVersion(tx2, 1, s.Snapshot(), common.ReadCommitted); err != nil {
		t.Fatalf("DeleteVersion: %v", err)
	}

	// Deleter hasn't committed yet: a different transaction under
	// ReadCommitted still sees the row.
	if _, err := s.ReadVersion(tx1, 1, s.Snapshot(), common.ReadCommitted); err != nil {
		t.Fatalf("expected row visible before deleter commits: %v", err)
	}

	if err := s.Commit(tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := s.ReadVersion(tx1, 1, s.Snapshot(), common.ReadCommitted); err == nil {
		t.Fatal("expected row to be hidden after committed delete")
	}
}

func TestVacuumReclaimsSupersededCommittedDeletes(t *testing.T) {
	s := newTestStore()

	tx1 := s.Begin()
	if _, err := s.CreateVersion(tx1, 1, []byte("v1")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Commit(tx1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := s.Begin()
	if err := s.DeleteVersion(tx2, 1, s.Snapshot(), common.ReadCommitted); err != nil {
		t.Fatalf("DeleteVersion: %v", err)
	}
	if err := s.Commit(tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	horizon := s.Snapshot()
	removed := s.Vacuum(horizon)
	if removed == 0 {
		t.Fatal("expected vacuum to reclaim at least the superseded deleted version")
	}
}

func TestVacuumNeverDropsSoleLiveVersion(t *testing.T) {
	s := newTestStore()

	tx := s.Begin()
	if _, err := s.CreateVersion(tx, 1, []byte("v1")); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if err := s.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s.Vacuum(s.Snapshot())

	if _, err := s.ReadVersion(tx, 1, s.Snapshot(), common.ReadCommitted); err != nil {
		t.Fatalf("expected sole live version to survive vacuum: %v", err)
	}
}

package btree

import (
	"fmt"
	"testing"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/metrics"
)

// memStore is an in-memory PageStore fake for exercising the tree without
// a real FileManager.
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
	if BNode(node).nbytes() > pageSize {
		panic("node too large")
	}
	id := m.next
	m.next++
	buf := make([]byte, pageSize)
	copy(buf, node)
	m.pages[id] = buf
	return id
}

func (m *memStore) Del(id common.PageID) {
	if _, ok := m.pages[id]; !ok {
		panic("page not allocated")
	}
	delete(m.pages, id)
}

func newTestTree() (*BTree, *memStore) {
	store := newMemStore()
	return New(store, nil), store
}

func TestBasicInsertGet(t *testing.T) {
	tree, _ := newTestTree()
	tree.Insert([]byte("key1"), []byte("val1"))
	tree.Insert([]byte("key2"), []byte("val2"))
	tree.Insert([]byte("key3"), []byte("val3"))

	val, ok := tree.Get([]byte("key2"))
	if !ok || string(val) != "val2" {
		t.Fatalf("expected val2, got %q ok=%v", val, ok)
	}

	if _, ok := tree.Get([]byte("key4")); ok {
		t.Fatal("expected key4 to be absent")
	}
}

func TestUpdateExistingKey(t *testing.T) {
	tree, _ := newTestTree()
	tree.Insert([]byte("key1"), []byte("val1"))
	tree.Insert([]byte("key1"), []byte("val1_updated"))

	val, ok := tree.Get([]byte("key1"))
	if !ok || string(val) != "val1_updated" {
		t.Fatalf("expected val1_updated, got %q", val)
	}
}

func TestSplitOnManyInserts(t *testing.T) {
	tree, store := newTestTree()
	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("value-%05d-padding-to-force-splits", i))
		tree.Insert(key, val)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := []byte(fmt.Sprintf("value-%05d-padding-to-force-splits", i))
		got, ok := tree.Get(key)
		if !ok {
			t.Fatalf("missing key %s", key)
		}
		if string(got) != string(want) {
			t.Fatalf("key %s: expected %q got %q", key, want, got)
		}
	}

	if len(store.pages) < 2 {
		t.Fatalf("expected inserts to force at least one split, got %d pages", len(store.pages))
	}
}

func TestDeleteAndMerge(t *testing.T) {
	tree, _ := newTestTree()
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		tree.Insert(key, []byte(fmt.Sprintf("val-%04d", i)))
	}

	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if !tree.Delete(key) {
			t.Fatalf("expected key %s to be deleted", key)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		_, ok := tree.Get(key)
		if i%2 == 0 && ok {
			t.Fatalf("key %s should have been deleted", key)
		}
		if i%2 != 0 && !ok {
			t.Fatalf("key %s should still be present", key)
		}
	}
}

func TestDepthGrowsWithSplitsAndMetricsAreRecorded(t *testing.T) {
	m := metrics.New()
	store := newMemStore()
	tree := New(store, m)

	if got := tree.Depth(); got != 0 {
		t.Fatalf("expected depth 0 for an empty tree, got %d", got)
	}

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("value-%05d-padding-to-force-splits", i))
		tree.Insert(key, val)
	}

	if got := tree.Depth(); got < 2 {
		t.Fatalf("expected inserts to grow the tree beyond a single leaf, got depth %d", got)
	}
	if ff := tree.FillFactor(); ff <= 0 || ff > 1 {
		t.Fatalf("expected a fill factor in (0,1], got %f", ff)
	}

	count := sumIndexOperations(m)
	if count == 0 {
		t.Fatal("expected btree inserts to record at least one index operation")
	}
}

// sumIndexOperations reads back IndexOperationsTotal via the registry.
func sumIndexOperations(m *metrics.Metrics) int {
	mfs, err := m.Registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range mfs {
		if mf.GetName() != "reldb_index_operations_total" {
			continue
		}
		total := 0
		for _, metric := range mf.GetMetric() {
			total += int(metric.GetCounter().GetValue())
		}
		return total
	}
	return 0
}

func TestDeleteMissingKeyReturnsFalse(t *testing.T) {
	tree, _ := newTestTree()
	tree.Insert([]byte("a"), []byte("1"))
	if tree.Delete([]byte("missing")) {
		t.Fatal("expected Delete of a missing key to return false")
	}
}

func TestRangeSearchOrderedAndBounded(t *testing.T) {
	tree, _ := newTestTree()
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		tree.Insert(key, []byte(fmt.Sprintf("v%03d", i)))
	}

	var got []string
	tree.RangeSearch([]byte("k010"), []byte("k020"), func(key, val []byte) bool {
		got = append(got, string(key))
		return true
	})

	if len(got) != 10 {
		t.Fatalf("expected 10 keys in [k010,k020), got %d: %v", len(got), got)
	}
	for i, k := range got {
		want := fmt.Sprintf("k%03d", 10+i)
		if k != want {
			t.Fatalf("range out of order: index %d expected %s got %s", i, want, k)
		}
	}
}

package btree

import (
	"bytes"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/metrics"
)

// PageStore is the narrow page-allocation interface the tree needs: read
// an existing node page, allocate a new one, and free one that is no
// longer referenced. A real engine supplies this from FileManager; tests
// can supply an in-memory fake.
type PageStore interface {
	Get(common.PageID) []byte
	New([]byte) common.PageID
	Del(common.PageID)
}

// BTree is a copy-on-write B+ tree keyed by raw byte slices with
// lexicographic ordering (composite keys are pre-encoded by callers, e.g.
// internal/mvcc's chainKey, before reaching the tree).
type BTree struct {
	root    common.PageID
	store   PageStore
	metrics *metrics.Metrics // optional; nil disables index metrics
}

// New returns a tree bound to store, with an empty (root-less) root. m may
// be nil to run without index metrics (e.g. tests).
func New(store PageStore, m *metrics.Metrics) *BTree {
	return &BTree{store: store, metrics: m}
}

// Depth walks the leftmost root-to-leaf path and returns its length (0 for
// an empty tree, 1 for a tree with only a root leaf).
func (tree *BTree) Depth() int {
	if tree.root == 0 {
		return 0
	}
	depth := 0
	node := BNode(tree.store.Get(tree.root))
	for {
		depth++
		if node.btype() == bnodeLeaf {
			return depth
		}
		node = BNode(tree.store.Get(common.PageID(node.getPtr(0))))
	}
}

// FillFactor approximates the tree's space utilization as the root node's
// occupied fraction of a page. A full walk over every node would give an
// exact figure but costs O(n) per call; the root is a cheap proxy that
// still trends with overall fragmentation after splits and merges.
func (tree *BTree) FillFactor() float64 {
	if tree.root == 0 {
		return 0
	}
	node := BNode(tree.store.Get(tree.root))
	return float64(node.nbytes()) / float64(pageSize)
}

func (tree *BTree) recordOp(op string) {
	if tree.metrics == nil {
		return
	}
	tree.metrics.IndexOperationsTotal.WithLabelValues("btree", op).Inc()
	tree.metrics.IndexDepth.Set(float64(tree.Depth()))
	tree.metrics.IndexFillFactor.Set(tree.FillFactor())
}

// Root returns the current root page id (0 if the tree is empty).
func (tree *BTree) Root() common.PageID { return tree.root }

// SetRoot overrides the root page id, used when restoring a tree from a
// persisted superblock.
func (tree *BTree) SetRoot(root common.PageID) { tree.root = root }

// Get retrieves the value stored under key.
func (tree *BTree) Get(key []byte) ([]byte, bool) {
	if tree.root == 0 {
		return nil, false
	}
	node := BNode(tree.store.Get(tree.root))
	val, ok := treeGet(tree, node, key)
	if tree.metrics != nil {
		status := "miss"
		if ok {
			status = "hit"
		}
		tree.metrics.IndexOperationsTotal.WithLabelValues("btree", "get_"+status).Inc()
	}
	return val, ok
}

func treeGet(tree *BTree, node BNode, key []byte) ([]byte, bool) {
	idx := nodeLookupLE(node, key)
	switch node.btype() {
	case bnodeLeaf:
		if bytes.Equal(key, node.getKey(idx)) {
			return node.getVal(idx), true
		}
		return nil, false
	case bnodeInternal:
		child := BNode(tree.store.Get(node.getPtr(idx)))
		return treeGet(tree, child, key)
	default:
		panic("bad node type")
	}
}

// Insert adds or updates the value stored under key.
func (tree *BTree) Insert(key, val []byte) {
	if len(key) > maxKeySize {
		panic("key too large")
	}
	if len(val) > maxValSize {
		panic("value too large")
	}

	if tree.root == 0 {
		root := make([]byte, pageSize)
		node := BNode(root)
		node.setHeader(bnodeLeaf, 2)
		nodeAppendKV(node, 0, 0, nil, nil) // sentinel covering the whole key space
		nodeAppendKV(node, 1, 0, key, val)
		tree.root = tree.store.New(root)
		tree.recordOp("insert")
		return
	}

	node := treeInsert(tree, BNode(tree.store.Get(tree.root)), key, val)
	nsplit, split := nodeSplit3(node)
	tree.store.Del(tree.root)

	if nsplit > 1 {
		root := make([]byte, pageSize)
		rootNode := BNode(root)
		rootNode.setHeader(bnodeInternal, nsplit)
		for i, knode := range split[:nsplit] {
			ptr, key := tree.store.New(knode), knode.getKey(0)
			nodeAppendKV(rootNode, uint16(i), uint64(ptr), key, nil)
		}
		tree.root = tree.store.New(root)
	} else {
		tree.root = tree.store.New(split[0])
	}
	tree.recordOp("insert")
}

func treeInsert(tree *BTree, node BNode, key, val []byte) BNode {
	newBuf := make([]byte, 2*pageSize)
	newNode := BNode(newBuf)
	idx := nodeLookupLE(node, key)

	switch node.btype() {
	case bnodeLeaf:
		if bytes.Equal(key, node.getKey(idx)) {
			leafUpdate(newNode, node, idx, key, val)
		} else {
			leafInsert(newNode, node, idx+1, key, val)
		}
	case bnodeInternal:
		nodeInsert(tree, newNode, node, idx, key, val)
	default:
		panic("bad node type")
	}
	return newNode
}

func leafInsert(new, old BNode, idx uint16, key, val []byte) {
	new.setHeader(bnodeLeaf, old.nkeys()+1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, 0, key, val)
	nodeAppendRange(new, old, idx+1, idx, old.nkeys()-idx)
}

func leafUpdate(new, old BNode, idx uint16, key, val []byte) {
	new.setHeader(bnodeLeaf, old.nkeys())
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, 0, key, val)
	nodeAppendRange(new, old, idx+1, idx+1, old.nkeys()-(idx+1))
}

func nodeInsert(tree *BTree, new, node BNode, idx uint16, key, val []byte) {
	kptr := common.PageID(node.getPtr(idx))
	knode := treeInsert(tree, BNode(tree.store.Get(kptr)), key, val)
	nsplit, split := nodeSplit3(knode)
	tree.store.Del(kptr)
	nodeReplaceKidN(tree, new, node, idx, split[:nsplit]...)
}

func nodeReplaceKidN(tree *BTree, new, old BNode, idx uint16, kids ...BNode) {
	inc := uint16(len(kids))
	new.setHeader(bnodeInternal, old.nkeys()+inc-1)
	nodeAppendRange(new, old, 0, 0, idx)
	for i, kid := range kids {
		nodeAppendKV(new, idx+uint16(i), uint64(tree.store.New(kid)), kid.getKey(0), nil)
	}
	nodeAppendRange(new, old, idx+inc, idx+1, old.nkeys()-(idx+1))
}

func nodeSplit3(old BNode) (uint16, [3]BNode) {
	if old.nbytes() <= pageSize {
		old = old[:pageSize]
		return 1, [3]BNode{old}
	}

	left := make([]byte, 2*pageSize)
	right := make([]byte, pageSize)
	nodeSplit2(BNode(left), BNode(right), old)

	if BNode(left).nbytes() <= pageSize {
		left = left[:pageSize]
		return 2, [3]BNode{BNode(left), BNode(right)}
	}

	leftleft := make([]byte, pageSize)
	middle := make([]byte, pageSize)
	nodeSplit2(BNode(leftleft), BNode(middle), BNode(left))
	return 3, [3]BNode{BNode(leftleft), BNode(middle), BNode(right)}
}

func nodeSplit2(left, right, old BNode) {
	nkeys := old.nkeys()
	nleft := uint16(0)
	for i := uint16(0); i < nkeys; i++ {
		nleft = i + 1
		if old.kvPos(nleft) >= pageSize*3/4 {
			break
		}
	}

	left.setHeader(old.btype(), nleft)
	nodeAppendRange(left, old, 0, 0, nleft)

	right.setHeader(old.btype(), nkeys-nleft)
	nodeAppendRange(right, old, 0, nleft, nkeys-nleft)
}

// Delete removes key, reporting whether it was present.
func (tree *BTree) Delete(key []byte) bool {
	if tree.root == 0 {
		return false
	}

	updated := treeDelete(tree, BNode(tree.store.Get(tree.root)), key)
	if len(updated) == 0 {
		return false
	}

	tree.store.Del(tree.root)
	if updated.btype() == bnodeInternal && updated.nkeys() == 1 {
		tree.root = common.PageID(updated.getPtr(0))
	} else {
		tree.root = tree.store.New(updated)
	}
	tree.recordOp("delete")
	return true
}

func treeDelete(tree *BTree, node BNode, key []byte) BNode {
	idx := nodeLookupLE(node, key)
	switch node.btype() {
	case bnodeLeaf:
		if !bytes.Equal(key, node.getKey(idx)) {
			return nil
		}
		newBuf := make([]byte, pageSize)
		leafDelete(BNode(newBuf), node, idx)
		return BNode(newBuf)
	case bnodeInternal:
		return nodeDelete(tree, node, idx, key)
	default:
		panic("bad node type")
	}
}

func leafDelete(new, old BNode, idx uint16) {
	new.setHeader(bnodeLeaf, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendRange(new, old, idx, idx+1, old.nkeys()-(idx+1))
}

func nodeDelete(tree *BTree, node BNode, idx uint16, key []byte) BNode {
	kptr := common.PageID(node.getPtr(idx))
	updated := treeDelete(tree, BNode(tree.store.Get(kptr)), key)
	if len(updated) == 0 {
		return nil
	}
	tree.store.Del(kptr)
	newBuf := make([]byte, pageSize)
	new := BNode(newBuf)

	mergeDir, sibling := shouldMerge(tree, node, idx, updated)
	switch {
	case mergeDir < 0:
		merged := make([]byte, pageSize)
		nodeMerge(BNode(merged), sibling, updated)
		tree.store.Del(common.PageID(node.getPtr(idx - 1)))
		nodeReplace2Kid(new, node, idx-1, tree.store.New(merged), BNode(merged).getKey(0))
	case mergeDir > 0:
		merged := make([]byte, pageSize)
		nodeMerge(BNode(merged), updated, sibling)
		tree.store.Del(common.PageID(node.getPtr(idx + 1)))
		nodeReplace2Kid(new, node, idx, tree.store.New(merged), BNode(merged).getKey(0))
	case mergeDir == 0 && updated.nkeys() == 0:
		new.setHeader(bnodeInternal, 0)
	default:
		nodeReplaceKidN(tree, new, node, idx, updated)
	}
	return new
}

func shouldMerge(tree *BTree, node BNode, idx uint16, updated BNode) (int, BNode) {
	if updated.nbytes() > pageSize/4 {
		return 0, nil
	}

	if idx > 0 {
		sibling := BNode(tree.store.Get(common.PageID(node.getPtr(idx - 1))))
		if sibling.nbytes()+updated.nbytes()-nodeHeaderSize <= pageSize {
			return -1, sibling
		}
	}
	if idx+1 < node.nkeys() {
		sibling := BNode(tree.store.Get(common.PageID(node.getPtr(idx + 1))))
		if sibling.nbytes()+updated.nbytes()-nodeHeaderSize <= pageSize {
			return +1, sibling
		}
	}
	return 0, nil
}

func nodeMerge(new, left, right BNode) {
	new.setHeader(left.btype(), left.nkeys()+right.nkeys())
	nodeAppendRange(new, left, 0, 0, left.nkeys())
	nodeAppendRange(new, right, left.nkeys(), 0, right.nkeys())
}

func nodeReplace2Kid(new, old BNode, idx uint16, ptr common.PageID, key []byte) {
	new.setHeader(bnodeInternal, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, uint64(ptr), key, nil)
	nodeAppendRange(new, old, idx+1, idx+2, old.nkeys()-(idx+2))
}

package btree

import (
	"bytes"

	"github.com/nainya/reldb/internal/common"
)

// Iterator walks the tree's leaves in key order, tracking the root-to-leaf
// path so Next can backtrack and descend to the following leaf without
// re-walking from the root.
type Iterator struct {
	tree *BTree
	path []BNode
	pos  []uint16
}

// NewIterator returns an unpositioned iterator; call SeekLE before use.
func (tree *BTree) NewIterator() *Iterator {
	return &Iterator{
		tree: tree,
		path: make([]BNode, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

// SeekLE positions the iterator at the last key <= key. It returns false
// if the tree is empty.
func (iter *Iterator) SeekLE(key []byte) bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]

	if iter.tree.root == 0 {
		return false
	}

	node := BNode(iter.tree.store.Get(iter.tree.root))
	for {
		iter.path = append(iter.path, node)
		idx := nodeLookupLE(node, key)
		iter.pos = append(iter.pos, idx)

		if node.btype() == bnodeLeaf {
			break
		}
		ptr := common.PageID(node.getPtr(idx))
		node = BNode(iter.tree.store.Get(ptr))
	}
	return true
}

// Valid reports whether the iterator is positioned at a live key.
func (iter *Iterator) Valid() bool {
	if len(iter.path) == 0 {
		return false
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return pos < leaf.nkeys()
}

// Key returns the key at the iterator's current position.
func (iter *Iterator) Key() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getKey(pos)
}

// Val returns the value at the iterator's current position.
func (iter *Iterator) Val() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getVal(pos)
}

// Next advances to the following key, returning false once the tree is
// exhausted.
func (iter *Iterator) Next() bool {
	if len(iter.path) == 0 {
		return false
	}

	leafIdx := len(iter.pos) - 1
	iter.pos[leafIdx]++
	leaf := iter.path[leafIdx]
	if iter.pos[leafIdx] < leaf.nkeys() {
		return true
	}

	iter.path = iter.path[:leafIdx]
	iter.pos = iter.pos[:leafIdx]

	for len(iter.pos) > 0 {
		parentIdx := len(iter.pos) - 1
		iter.pos[parentIdx]++
		parent := iter.path[parentIdx]
		if iter.pos[parentIdx] < parent.nkeys() {
			return iter.descendToLeftmost()
		}
		iter.path = iter.path[:parentIdx]
		iter.pos = iter.pos[:parentIdx]
	}
	return false
}

func (iter *Iterator) descendToLeftmost() bool {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		pos := iter.pos[parentIdx]

		ptr := common.PageID(parent.getPtr(pos))
		child := BNode(iter.tree.store.Get(ptr))
		iter.path = append(iter.path, child)

		if child.btype() == bnodeLeaf {
			iter.pos = append(iter.pos, 0)
			return true
		}
		iter.pos = append(iter.pos, 0)
	}
}

// Scan calls fn for every key >= start, in order, until fn returns false
// or the tree is exhausted. visited reports how many entries fn was
// actually called with, which callers use to size allocations or to feed
// the "rows touched" side of a range query's cost.
func (tree *BTree) Scan(start []byte, fn func(key, val []byte) bool) (visited int) {
	if tree.metrics != nil {
		tree.metrics.IndexOperationsTotal.WithLabelValues("btree", "scan").Inc()
	}

	iter := tree.NewIterator()
	if !iter.SeekLE(start) {
		return 0
	}
	if bytes.Compare(iter.Key(), start) < 0 {
		if !iter.Next() {
			return 0
		}
	}
	for iter.Valid() {
		visited++
		if !fn(iter.Key(), iter.Val()) {
			return visited
		}
		if !iter.Next() {
			return visited
		}
	}
	return visited
}

// RangeSearch calls fn for every key in [start, end), in order. A nil end
// means "no upper bound" (spec.md §4.3 range search).
func (tree *BTree) RangeSearch(start, end []byte, fn func(key, val []byte) bool) {
	tree.Scan(start, func(key, val []byte) bool {
		if end != nil && bytes.Compare(key, end) >= 0 {
			return false
		}
		return fn(key, val)
	})
}

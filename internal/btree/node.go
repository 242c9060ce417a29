// Package btree implements a copy-on-write B+ tree over fixed pages: every
// modified node is written as a brand new page, and only the path from the
// new root down is ever touched, so a reader holding the old root still
// sees a consistent tree during a concurrent writer's update (spec.md
// §4.3).
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/nainya/reldb/internal/pagemanager"
)

// Node type tags share pagemanager's PageType enum: a B+ tree node is just
// another page kind, and PageTypeBTreeLeaf/PageTypeBTreeInternal give
// both packages the same numbers for these page kinds.
const (
	bnodeInternal = uint16(pagemanager.PageTypeBTreeInternal)
	bnodeLeaf     = uint16(pagemanager.PageTypeBTreeLeaf)
)

const (
	nodeHeaderSize = 4
	maxKeySize     = 1000
	maxValSize     = 3000
)

// pageSize is fixed at the engine's global page size so a node always
// occupies exactly one file page (spec.md §6, common.PageSize).
const pageSize = 4096

// BNode is a B+ tree node addressed directly as its backing page buffer;
// every accessor reads or writes the buffer in place rather than copying
// into a Go struct.
type BNode []byte

func (node BNode) btype() uint16 {
	return binary.LittleEndian.Uint16(node[0:2])
}

func (node BNode) nkeys() uint16 {
	return binary.LittleEndian.Uint16(node[2:4])
}

func (node BNode) setHeader(btype, nkeys uint16) {
	binary.LittleEndian.PutUint16(node[0:2], btype)
	binary.LittleEndian.PutUint16(node[2:4], nkeys)
}

func (node BNode) getPtr(idx uint16) uint64 {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := nodeHeaderSize + 8*idx
	return binary.LittleEndian.Uint64(node[pos:])
}

func (node BNode) setPtr(idx uint16, val uint64) {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := nodeHeaderSize + 8*idx
	binary.LittleEndian.PutUint64(node[pos:], val)
}

func offsetPos(node BNode, idx uint16) uint16 {
	if idx < 1 || idx > node.nkeys() {
		panic("index out of range")
	}
	return nodeHeaderSize + 8*node.nkeys() + 2*(idx-1)
}

func (node BNode) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(node[offsetPos(node, idx):])
}

func (node BNode) setOffset(idx, offset uint16) {
	binary.LittleEndian.PutUint16(node[offsetPos(node, idx):], offset)
}

func (node BNode) kvPos(idx uint16) uint16 {
	if idx > node.nkeys() {
		panic("index out of range")
	}
	return nodeHeaderSize + 8*node.nkeys() + 2*node.nkeys() + node.getOffset(idx)
}

func (node BNode) getKey(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos:])
	return node[pos+4:][:klen]
}

func (node BNode) getVal(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos+0:])
	vlen := binary.LittleEndian.Uint16(node[pos+2:])
	return node[pos+4+klen:][:vlen]
}

func (node BNode) nbytes() uint16 {
	return node.kvPos(node.nkeys())
}

// nodeLookupLE returns the index of the last key <= the given key. The
// first key in every node is a copy of the parent's separator and is
// always <= any key routed to this subtree.
func nodeLookupLE(node BNode, key []byte) uint16 {
	nkeys := node.nkeys()
	found := uint16(0)
	for i := uint16(1); i < nkeys; i++ {
		cmp := bytes.Compare(node.getKey(i), key)
		if cmp <= 0 {
			found = i
		}
		if cmp >= 0 {
			break
		}
	}
	return found
}

func nodeAppendRange(new, old BNode, dstNew, srcOld, n uint16) {
	if srcOld+n > old.nkeys() {
		panic("source range out of bounds")
	}
	if dstNew+n > new.nkeys() {
		panic("destination range out of bounds")
	}
	if n == 0 {
		return
	}

	if old.btype() == bnodeInternal {
		for i := uint16(0); i < n; i++ {
			new.setPtr(dstNew+i, old.getPtr(srcOld+i))
		}
	}

	dstBegin := new.getOffset(dstNew)
	srcBegin := old.getOffset(srcOld)
	for i := uint16(1); i <= n; i++ {
		offset := dstBegin + old.getOffset(srcOld+i) - srcBegin
		new.setOffset(dstNew+i, offset)
	}

	begin := old.kvPos(srcOld)
	end := old.kvPos(srcOld + n)
	copy(new[new.kvPos(dstNew):], old[begin:end])
}

func nodeAppendKV(new BNode, idx uint16, ptr uint64, key, val []byte) {
	new.setPtr(idx, ptr)
	pos := new.kvPos(idx)
	binary.LittleEndian.PutUint16(new[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(new[pos+2:], uint16(len(val)))
	copy(new[pos+4:], key)
	copy(new[pos+4+uint16(len(key)):], val)
	new.setOffset(idx+1, new.getOffset(idx)+4+uint16(len(key)+len(val)))
}

func init() {
	node1max := nodeHeaderSize + 8 + 2 + 4 + maxKeySize + maxValSize
	if node1max > pageSize {
		panic("node size exceeds page size")
	}
}

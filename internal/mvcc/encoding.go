package mvcc

import "encoding/binary"

// chainKey encodes the composite (rowID, versionSeq) key used to store row
// versions in the underlying B+ tree, in the teacher pack's order-preserving
// big-endian composite-key style (pkg/storage/encoding.go). versionSeq is
// stored as its bitwise complement so that a forward B+ tree scan visits a
// row's versions newest-first.
func chainKey(rowID uint64, versionSeq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], rowID)
	binary.BigEndian.PutUint64(key[8:16], ^versionSeq)
	return key
}

// chainPrefix encodes the key prefix that bounds a single row's version
// chain for a range scan.
func chainPrefix(rowID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, rowID)
	return key
}

// chainPrefixEnd returns the exclusive upper bound for chainPrefix(rowID).
func chainPrefixEnd(rowID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, rowID+1)
	return key
}

func decodeRowID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[0:8])
}

func decodeVersionSeq(key []byte) uint64 {
	return ^binary.BigEndian.Uint64(key[8:16])
}

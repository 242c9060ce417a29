package mvcc

import (
	"encoding/binary"

	"github.com/nainya/reldb/internal/common"
)

// VersionState marks where a row version sits in the commit/abort
// lifecycle (spec.md §4.5).
type VersionState uint8

const (
	StateActive VersionState = iota
	StateCommitted
	StateAborted
)

// RowVersion is one entry in a row's version chain.
type RowVersion struct {
	RowID       uint64
	VersionSeq  uint64
	CreatedByTx common.TxID
	DeletedByTx common.TxID // 0 means not yet deleted
	CreatedAt   common.Timestamp
	State       VersionState
	Data        []byte
}

const rowVersionHeaderSize = 1 + 8 + 8 + 8 // state, createdByTx, deletedByTx, createdAt

func encodeRowVersion(v *RowVersion) []byte {
	buf := make([]byte, rowVersionHeaderSize+len(v.Data))
	buf[0] = byte(v.State)
	binary.BigEndian.PutUint64(buf[1:9], uint64(v.CreatedByTx))
	binary.BigEndian.PutUint64(buf[9:17], uint64(v.DeletedByTx))
	binary.BigEndian.PutUint64(buf[17:25], uint64(v.CreatedAt))
	copy(buf[rowVersionHeaderSize:], v.Data)
	return buf
}

func decodeRowVersion(rowID, versionSeq uint64, buf []byte) *RowVersion {
	data := make([]byte, len(buf)-rowVersionHeaderSize)
	copy(data, buf[rowVersionHeaderSize:])
	return &RowVersion{
		RowID:       rowID,
		VersionSeq:  versionSeq,
		State:       VersionState(buf[0]),
		CreatedByTx: common.TxID(binary.BigEndian.Uint64(buf[1:9])),
		DeletedByTx: common.TxID(binary.BigEndian.Uint64(buf[9:17])),
		CreatedAt:   common.Timestamp(binary.BigEndian.Uint64(buf[17:25])),
		Data:        data,
	}
}

// Package wal implements the write-ahead log: append-only, CRC32-framed,
// segment-rotated log files replayed by internal/recovery (spec.md §4.7,
// §9 "WAL record framing"). The framing and rotation strategy are
// adapted from the teacher's pkg/wal, extended with the record types and
// payload shapes spec.md mandates.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nainya/reldb/internal/common"
)

// RecordType distinguishes the kinds of WAL records (spec.md §3 "Log
// record" types). The teacher's OpType enum only has Insert/Delete/
// Commit/Checkpoint; Begin/Update/Abort are added here so recovery can
// run full Analysis/REDO/UNDO (spec.md §4.7, §9).
type RecordType uint8

const (
	RecordBegin RecordType = iota + 1
	RecordCommit
	RecordAbort
	RecordInsert
	RecordUpdate
	RecordDelete
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordInsert:
		return "INSERT"
	case RecordUpdate:
		return "UPDATE"
	case RecordDelete:
		return "DELETE"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// IsDataOp reports whether t carries a page-image payload subject to
// REDO/UNDO (spec.md §4.7 steps 2-3).
func (t RecordType) IsDataOp() bool {
	return t == RecordInsert || t == RecordUpdate || t == RecordDelete
}

// recordHeaderSize is LSN(8) + RecordType(1) + TxID(8) + PayloadLen(4),
// matching spec.md §9's wire layout exactly (no reserved padding).
const recordHeaderSize = 8 + 1 + 8 + 4

// Record is a single WAL entry.
type Record struct {
	LSN     common.LSN
	Type    RecordType
	TxID    common.TxID // 0 when absent (e.g. Checkpoint)
	Payload []byte
}

// Encode serializes r with a trailing CRC32 checksum, mirroring the
// teacher's Entry.Encode framing.
func (r *Record) Encode() []byte {
	total := recordHeaderSize + len(r.Payload) + 4
	buf := make([]byte, total)

	binary.BigEndian.PutUint64(buf[0:8], uint64(r.LSN))
	buf[8] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.TxID))
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)

	crc := crc32.ChecksumIEEE(buf[:recordHeaderSize+len(r.Payload)])
	binary.BigEndian.PutUint32(buf[total-4:], crc)
	return buf
}

// Size returns the encoded length of r.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Payload) + 4
}

// DecodeRecord parses a record previously produced by Encode, verifying
// its checksum.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < recordHeaderSize+4 {
		return nil, ErrTruncated
	}

	payloadLen := binary.BigEndian.Uint32(data[17:21])
	expected := recordHeaderSize + int(payloadLen) + 4
	if len(data) < expected {
		return nil, ErrTruncated
	}

	storedCRC := binary.BigEndian.Uint32(data[expected-4 : expected])
	computedCRC := crc32.ChecksumIEEE(data[:expected-4])
	if storedCRC != computedCRC {
		return nil, ErrCorrupted
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[recordHeaderSize:recordHeaderSize+int(payloadLen)])

	return &Record{
		LSN:     common.LSN(binary.BigEndian.Uint64(data[0:8])),
		Type:    RecordType(data[8]),
		TxID:    common.TxID(binary.BigEndian.Uint64(data[9:17])),
		Payload: payload,
	}, nil
}

func (r *Record) String() string {
	return fmt.Sprintf("WAL[LSN=%d Type=%s TxID=%d PayloadLen=%d]", r.LSN, r.Type, r.TxID, len(r.Payload))
}

// DataPayload is the decoded form of an Insert/Update/Delete record's
// payload (spec.md §9): (file_id, page_id, old_image?, new_image?).
// Insert carries only NewImage; Delete carries only OldImage; Update
// carries both.
type DataPayload struct {
	FileID   uint32
	PageID   common.PageID
	OldImage []byte
	NewImage []byte
}

// EncodeDataPayload packs a DataPayload into the wire format
// file_id u32 | page_id u64 | old_len u32 | old_image | new_len u32 | new_image.
func EncodeDataPayload(p DataPayload) []byte {
	buf := make([]byte, 4+8+4+len(p.OldImage)+4+len(p.NewImage))
	binary.BigEndian.PutUint32(buf[0:4], p.FileID)
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.PageID))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(p.OldImage)))
	offset := 16
	copy(buf[offset:], p.OldImage)
	offset += len(p.OldImage)
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(p.NewImage)))
	offset += 4
	copy(buf[offset:], p.NewImage)
	return buf
}

// DecodeDataPayload unpacks a payload written by EncodeDataPayload.
func DecodeDataPayload(buf []byte) (DataPayload, error) {
	if len(buf) < 16 {
		return DataPayload{}, ErrTruncated
	}
	p := DataPayload{
		FileID: binary.BigEndian.Uint32(buf[0:4]),
		PageID: common.PageID(binary.BigEndian.Uint64(buf[4:12])),
	}
	oldLen := binary.BigEndian.Uint32(buf[12:16])
	offset := 16
	if len(buf) < offset+int(oldLen)+4 {
		return DataPayload{}, ErrTruncated
	}
	if oldLen > 0 {
		p.OldImage = append([]byte(nil), buf[offset:offset+int(oldLen)]...)
	}
	offset += int(oldLen)
	newLen := binary.BigEndian.Uint32(buf[offset : offset+4])
	offset += 4
	if len(buf) < offset+int(newLen) {
		return DataPayload{}, ErrTruncated
	}
	if newLen > 0 {
		p.NewImage = append([]byte(nil), buf[offset:offset+int(newLen)]...)
	}
	return p, nil
}

// CheckpointPayload captures the counters a Checkpoint record embeds
// (spec.md §4.7 "Checkpoint"); the checkpoint's own LSN (Record.LSN)
// already serves as last_lsn for recovery's scan-start optimization.
type CheckpointPayload struct {
	TimestampUnix  int64
	ActiveTxCount  uint32
	DirtyPageCount uint32
}

// EncodeCheckpointPayload packs a CheckpointPayload.
func EncodeCheckpointPayload(p CheckpointPayload) []byte {
	buf := make([]byte, 8+4+4)
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.TimestampUnix))
	binary.BigEndian.PutUint32(buf[8:12], p.ActiveTxCount)
	binary.BigEndian.PutUint32(buf[12:16], p.DirtyPageCount)
	return buf
}

// DecodeCheckpointPayload unpacks a payload written by
// EncodeCheckpointPayload.
func DecodeCheckpointPayload(buf []byte) (CheckpointPayload, error) {
	if len(buf) < 16 {
		return CheckpointPayload{}, ErrTruncated
	}
	return CheckpointPayload{
		TimestampUnix:  int64(binary.BigEndian.Uint64(buf[0:8])),
		ActiveTxCount:  binary.BigEndian.Uint32(buf[8:12]),
		DirtyPageCount: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// Package pagemanager implements slotted-page record storage: insert,
// select, update, delete and batch operations over fixed-size pages
// sourced from a filemanager.FileManager, plus fill-factor accounting and
// an optional compression filter on record payloads (spec.md §4.2).
package pagemanager

import (
	"encoding/binary"

	"github.com/nainya/reldb/internal/common"
)

// Page header layout, within the first common.PageHeaderSize bytes:
//
//	0  (8): page id
//	8  (1): page type
//	16 (2): slot count
//	18 (2): freeStart - end of the slot directory
//	20 (2): freeEnd   - start of the record area (grows downward)
const (
	offPageID    = 0
	offPageType  = 8
	offNumSlots  = 16
	offFreeStart = 18
	offFreeEnd   = 20

	slotSize       = 8 // offset(2) + length(2) + flags(1) + 3 reserved
	slotFlagDelete = byte(1)
)

// PageType distinguishes raw record pages from pages hosting an index
// node payload.
type PageType uint8

const (
	PageTypeRecord PageType = iota
	PageTypeBTreeLeaf
	PageTypeBTreeInternal
	PageTypeHashBucket
)

// Page is a byte-slice-backed slotted page, in the teacher's BNode style:
// all state lives in the underlying buffer and accessors read/write it
// directly rather than copying into a Go struct.
type Page []byte

// NewPage formats a freshly allocated buffer as an empty page of the given
// type.
func NewPage(buf []byte, id common.PageID, typ PageType) Page {
	p := Page(buf)
	binary.LittleEndian.PutUint64(p[offPageID:], uint64(id))
	p[offPageType] = byte(typ)
	binary.LittleEndian.PutUint16(p[offNumSlots:], 0)
	binary.LittleEndian.PutUint16(p[offFreeStart:], uint16(common.PageHeaderSize))
	binary.LittleEndian.PutUint16(p[offFreeEnd:], uint16(len(buf)))
	return p
}

func (p Page) ID() common.PageID {
	return common.PageID(binary.LittleEndian.Uint64(p[offPageID:]))
}

func (p Page) Type() PageType { return PageType(p[offPageType]) }

func (p Page) numSlots() uint16 { return binary.LittleEndian.Uint16(p[offNumSlots:]) }
func (p Page) setNumSlots(n uint16) {
	binary.LittleEndian.PutUint16(p[offNumSlots:], n)
}

func (p Page) freeStart() uint16 { return binary.LittleEndian.Uint16(p[offFreeStart:]) }
func (p Page) setFreeStart(v uint16) {
	binary.LittleEndian.PutUint16(p[offFreeStart:], v)
}

func (p Page) freeEnd() uint16 { return binary.LittleEndian.Uint16(p[offFreeEnd:]) }
func (p Page) setFreeEnd(v uint16) {
	binary.LittleEndian.PutUint16(p[offFreeEnd:], v)
}

// FreeSpace returns the number of bytes available for a new slot + record.
func (p Page) FreeSpace() int {
	return int(p.freeEnd()) - int(p.freeStart())
}

// FillFactor returns the fraction of the page occupied by live (non-slot,
// non-free) bytes, used by PageManagerConfig's Max/MinFillFactor policy.
func (p Page) FillFactor() float64 {
	used := 0
	for _, s := range p.LiveSlots() {
		_, length, _ := p.slotAt(s)
		used += int(length)
	}
	return float64(used) / float64(len(p))
}

func slotOffset(slot uint32) int {
	return int(common.PageHeaderSize) + int(slot)*slotSize
}

func (p Page) slotAt(slot uint32) (offset, length uint16, deleted bool) {
	pos := slotOffset(slot)
	offset = binary.LittleEndian.Uint16(p[pos:])
	length = binary.LittleEndian.Uint16(p[pos+2:])
	deleted = p[pos+4]&slotFlagDelete != 0
	return
}

func (p Page) setSlot(slot uint32, offset, length uint16, deleted bool) {
	pos := slotOffset(slot)
	binary.LittleEndian.PutUint16(p[pos:], offset)
	binary.LittleEndian.PutUint16(p[pos+2:], length)
	var flags byte
	if deleted {
		flags = slotFlagDelete
	}
	p[pos+4] = flags
}

// Insert appends data as a new slot, growing the slot directory upward
// and the record area downward. It returns the new slot index, or
// ErrPageFull if there isn't room.
func (p Page) Insert(data []byte) (uint32, error) {
	need := slotSize + len(data)
	if p.FreeSpace() < need {
		return 0, ErrPageFull
	}

	slot := uint32(p.numSlots())
	recOffset := p.freeEnd() - uint16(len(data))
	copy(p[recOffset:], data)

	p.setFreeStart(p.freeStart() + uint16(slotSize))
	p.setFreeEnd(recOffset)
	p.setNumSlots(uint16(slot) + 1)
	p.setSlot(slot, recOffset, uint16(len(data)), false)
	return slot, nil
}

// Select returns the bytes stored at slot, or ErrSlotDeleted /
// ErrSlotOutOfRange.
func (p Page) Select(slot uint32) ([]byte, error) {
	if uint32(p.numSlots()) <= slot {
		return nil, ErrSlotOutOfRange
	}
	offset, length, deleted := p.slotAt(slot)
	if deleted {
		return nil, ErrSlotDeleted
	}
	out := make([]byte, length)
	copy(out, p[offset:offset+length])
	return out, nil
}

// Update replaces the bytes at slot. If the new value fits in the
// existing record footprint it's written in place; otherwise the old
// record is tombstoned and a fresh slot is appended (reclaimed on the
// next Defragment).
func (p Page) Update(slot uint32, data []byte) (uint32, error) {
	if uint32(p.numSlots()) <= slot {
		return 0, ErrSlotOutOfRange
	}
	offset, length, deleted := p.slotAt(slot)
	if deleted {
		return 0, ErrSlotDeleted
	}
	if len(data) <= int(length) {
		copy(p[offset:], data)
		p.setSlot(slot, offset, uint16(len(data)), false)
		return slot, nil
	}

	p.setSlot(slot, offset, length, true)
	return p.Insert(data)
}

// Delete tombstones slot without reclaiming its bytes; Defragment
// reclaims tombstoned space.
func (p Page) Delete(slot uint32) error {
	if uint32(p.numSlots()) <= slot {
		return ErrSlotOutOfRange
	}
	offset, length, deleted := p.slotAt(slot)
	if deleted {
		return ErrSlotDeleted
	}
	p.setSlot(slot, offset, length, true)
	return nil
}

// Defragment compacts the record area, discarding tombstoned records and
// rewriting surviving records contiguously from the end of the page. It
// returns how many bytes were reclaimed.
func (p Page) Defragment() int {
	type live struct {
		slot   uint32
		offset uint16
		length uint16
	}

	n := uint32(p.numSlots())
	liveRecords := make([]live, 0, n)
	for s := uint32(0); s < n; s++ {
		offset, length, deleted := p.slotAt(s)
		if !deleted {
			liveRecords = append(liveRecords, live{slot: s, offset: offset, length: length})
		}
	}

	before := p.freeEnd()
	cursor := uint16(len(p))
	scratch := make([]byte, len(p))
	copy(scratch, p)

	for _, r := range liveRecords {
		cursor -= r.length
		copy(p[cursor:], scratch[r.offset:r.offset+r.length])
		p.setSlot(r.slot, cursor, r.length, false)
	}
	p.setFreeEnd(cursor)
	return int(cursor) - int(before) // bytes of tombstoned record space reclaimed
}

// NumSlots returns the total number of slots, including tombstoned ones.
func (p Page) NumSlots() uint32 { return uint32(p.numSlots()) }

// IsDeleted reports whether slot has been tombstoned.
func (p Page) IsDeleted(slot uint32) bool {
	_, _, deleted := p.slotAt(slot)
	return deleted
}

// LiveSlots returns the slot indices holding non-tombstoned records, in
// slot order. Used by the manager's split/merge/scan logic to enumerate a
// page's records without addressing them one at a time.
func (p Page) LiveSlots() []uint32 {
	n := uint32(p.numSlots())
	out := make([]uint32, 0, n)
	for s := uint32(0); s < n; s++ {
		if !p.IsDeleted(s) {
			out = append(out, s)
		}
	}
	return out
}

package pagemanager

import (
	"bytes"
	"testing"

	"github.com/nainya/reldb/internal/common"
)

func TestPageInsertSelect(t *testing.T) {
	buf := make([]byte, common.PageSize)
	p := NewPage(buf, 1, PageTypeRecord)

	slot, err := p.Insert([]byte("hello"))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := p.Select(slot)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestPageDeleteThenSelectFails(t *testing.T) {
	buf := make([]byte, common.PageSize)
	p := NewPage(buf, 1, PageTypeRecord)

	slot, _ := p.Insert([]byte("x"))
	if err := p.Delete(slot); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Select(slot); err != ErrSlotDeleted {
		t.Fatalf("expected ErrSlotDeleted, got %v", err)
	}
}

func TestPageInsertUntilFull(t *testing.T) {
	buf := make([]byte, common.PageSize)
	p := NewPage(buf, 1, PageTypeRecord)

	rec := bytes.Repeat([]byte{0x1}, 100)
	count := 0
	for {
		if _, err := p.Insert(rec); err != nil {
			if err == ErrPageFull {
				break
			}
			t.Fatalf("unexpected error: %v", err)
		}
		count++
	}
	if count == 0 {
		t.Fatal("expected at least one record to fit")
	}
}

func TestPageDefragmentReclaimsSpace(t *testing.T) {
	buf := make([]byte, common.PageSize)
	p := NewPage(buf, 1, PageTypeRecord)

	var slots []uint32
	for i := 0; i < 10; i++ {
		s, err := p.Insert(bytes.Repeat([]byte{byte(i)}, 50))
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		slots = append(slots, s)
	}

	for i := 0; i < 5; i++ {
		if err := p.Delete(slots[i]); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	before := p.FreeSpace()
	reclaimed := p.Defragment()
	if reclaimed <= 0 {
		t.Fatalf("expected positive reclaimed bytes, got %d", reclaimed)
	}
	if p.FreeSpace() <= before {
		t.Fatalf("expected free space to grow after defragment: before=%d after=%d", before, p.FreeSpace())
	}

	// Surviving records must still read back correctly.
	for i := 5; i < 10; i++ {
		got, err := p.Select(slots[i])
		if err != nil {
			t.Fatalf("Select survivor %d: %v", i, err)
		}
		want := bytes.Repeat([]byte{byte(i)}, 50)
		if !bytes.Equal(got, want) {
			t.Fatalf("survivor %d corrupted after defragment", i)
		}
	}
}

func TestPageUpdateInPlaceAndRelocate(t *testing.T) {
	buf := make([]byte, common.PageSize)
	p := NewPage(buf, 1, PageTypeRecord)

	slot, _ := p.Insert(bytes.Repeat([]byte{0xA}, 50))

	// Shrinking fits in place; the slot index is unchanged.
	newSlot, err := p.Update(slot, bytes.Repeat([]byte{0xB}, 10))
	if err != nil {
		t.Fatalf("Update (shrink): %v", err)
	}
	if newSlot != slot {
		t.Fatalf("shrinking update should keep the same slot")
	}

	// Growing past the original footprint relocates to a new slot.
	grown := bytes.Repeat([]byte{0xC}, 200)
	newSlot2, err := p.Update(slot, grown)
	if err != nil {
		t.Fatalf("Update (grow): %v", err)
	}
	got, err := p.Select(newSlot2)
	if err != nil {
		t.Fatalf("Select after grow: %v", err)
	}
	if !bytes.Equal(got, grown) {
		t.Fatalf("grown record contents mismatch")
	}
}

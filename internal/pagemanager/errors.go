package pagemanager

import "github.com/pkg/errors"

// ErrPageFull is returned by Page.Insert when there isn't room for the
// record; Manager.Insert responds by splitting the page.
var ErrPageFull = errors.New("pagemanager: page full")

// ErrSlotOutOfRange is returned by operations addressing a slot index
// that was never allocated on the page.
var ErrSlotOutOfRange = errors.New("pagemanager: slot out of range")

// ErrSlotDeleted is returned when addressing a tombstoned slot.
var ErrSlotDeleted = errors.New("pagemanager: slot deleted")

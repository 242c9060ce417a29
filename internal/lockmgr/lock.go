// Package lockmgr implements multi-granularity locking (IS/S/IX/SIX/X)
// over named resources with FIFO wait queues and wait-for-graph deadlock
// detection (spec.md §4.6).
package lockmgr

import "github.com/nainya/reldb/internal/common"

// Mode is a lock granularity, drawn from the standard intention-lock
// hierarchy (grounded on original_source's advanced_lock_manager.rs
// LockMode enum).
type Mode uint8

const (
	IntentionShared Mode = iota
	Shared
	IntentionExclusive
	SharedIntentionExclusive
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case IntentionShared:
		return "IS"
	case Shared:
		return "S"
	case IntentionExclusive:
		return "IX"
	case SharedIntentionExclusive:
		return "SIX"
	case Exclusive:
		return "X"
	default:
		return "Unknown"
	}
}

// compatible[a][b] reports whether mode a may be held concurrently with
// mode b by different transactions. Diagonal IS/IS, IS/IX, IX/IX, and the
// Shared/SIX combinations follow the standard intention-lock matrix;
// anything touching Exclusive is incompatible with everything, including
// itself.
var compatible = [5][5]bool{
	IntentionShared:          {IntentionShared: true, Shared: true, IntentionExclusive: true, SharedIntentionExclusive: true, Exclusive: false},
	Shared:                   {IntentionShared: true, Shared: true, IntentionExclusive: false, SharedIntentionExclusive: false, Exclusive: false},
	IntentionExclusive:       {IntentionShared: true, Shared: false, IntentionExclusive: true, SharedIntentionExclusive: false, Exclusive: false},
	SharedIntentionExclusive: {IntentionShared: true, Shared: false, IntentionExclusive: false, SharedIntentionExclusive: false, Exclusive: false},
	Exclusive:                {IntentionShared: false, Shared: false, IntentionExclusive: false, SharedIntentionExclusive: false, Exclusive: false},
}

// Compatible reports whether a and b can be held simultaneously by two
// different transactions.
func Compatible(a, b Mode) bool {
	return compatible[a][b]
}

// Resource names a lockable entity. Granularity mirrors
// advanced_lock_manager.rs's ResourceType: whole relations down to single
// records, addressed by the same ids the rest of the engine uses.
type Resource struct {
	Table string
	Page  common.PageID
	Rec   common.RecordID
}

// TableResource locks an entire table by name.
func TableResource(table string) Resource { return Resource{Table: table} }

// PageResource locks a single page.
func PageResource(page common.PageID) Resource { return Resource{Page: page} }

// RecordResource locks a single record.
func RecordResource(rec common.RecordID) Resource { return Resource{Rec: rec} }

// RowResource locks a logical row by id, for callers (like the MVCC
// layer) that address rows directly rather than through a page/slot
// RecordID.
func RowResource(rowID uint64) Resource { return Resource{Rec: common.RecordID(rowID)} }

type holder struct {
	tx   common.TxID
	mode Mode
}

type waiter struct {
	tx       common.TxID
	mode     Mode
	priority int
	grant    chan error
}

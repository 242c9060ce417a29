package pagemanager

import (
	"errors"
	"sync"
	"time"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/filemanager"
	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
)

// pageInfo is the manager's cached view of a page, spared a disk read on
// the common "does anything have room for this?" path (spec.md §4.2's
// "cached PageInfo entries").
type pageInfo struct {
	freeSpace   int
	needsDefrag bool
}

// SelectedRecord is one live record surfaced by Select.
type SelectedRecord struct {
	RecordID common.RecordID
	Data     []byte
}

// Predicate filters records during a Select scan. A nil Predicate matches
// everything.
type Predicate func(rid common.RecordID, data []byte) bool

// UpdateResult reports where update(record_id, bytes) landed.
type UpdateResult struct {
	RecordID common.RecordID
	InPlace  bool
	Split    bool
}

// DeleteResult reports the effect of delete(record_id).
type DeleteResult struct {
	Merged bool
}

// BatchResult is one record's outcome within a BatchInsert call.
type BatchResult struct {
	RecordID common.RecordID
	Split    bool
	Err      error
}

// Manager places and retrieves variable-length records on top of fixed
// pages sourced from a filemanager.FileManager, honoring the configured
// fill-factor policy and optional compression filter.
type Manager struct {
	fm      *filemanager.FileManager
	cfg     common.PageManagerConfig
	metrics *metrics.Metrics
	log     *logger.Logger

	mu   sync.Mutex
	pool []common.PageID             // preallocated pages handed out before anything else
	info map[common.PageID]*pageInfo // cached free-space/defrag-flag view of known pages
	dir  []common.PageID             // heap-file page directory in allocation order; adjacency here is "neighbor" for merge
}

// New builds a Manager over an already-open FileManager and preallocates
// cfg.PreallocationBufferSize pages into its pool.
func New(fm *filemanager.FileManager, cfg common.PageManagerConfig, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		fm:      fm,
		cfg:     cfg,
		metrics: m,
		log:     logger.Global().Component("pagemanager"),
		info:    make(map[common.PageID]*pageInfo),
	}
	for i := 0; i < cfg.PreallocationBufferSize; i++ {
		id, err := mgr.newPageLocked(PageTypeRecord)
		if err != nil {
			break
		}
		mgr.pool = append(mgr.pool, id)
	}
	return mgr
}

func (mgr *Manager) record(op string, start time.Time, err error) {
	if mgr.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	mgr.metrics.RecordPageOperation(op, status, time.Since(start))
}

// NewPage allocates a fresh page from the file manager, formats it as an
// empty slotted page of the given type, and registers it in the page
// directory. Exported for callers (e.g. an index) that need a page of a
// specific type outside the record pool.
func (mgr *Manager) NewPage(typ PageType) (common.PageID, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.newPageLocked(typ)
}

func (mgr *Manager) newPageLocked(typ PageType) (common.PageID, error) {
	start := time.Now()
	id, err := mgr.fm.AllocatePages(1)
	if err != nil {
		mgr.record("new_page", start, err)
		return 0, common.Wrap(common.KindIO, "PageManager.NewPage", err)
	}

	buf := make([]byte, common.PageSize)
	page := NewPage(buf, id, typ)
	err = mgr.fm.WritePage(id, page)
	mgr.record("new_page", start, err)
	if err != nil {
		return 0, common.Wrap(common.KindIO, "PageManager.NewPage", err)
	}

	mgr.dir = append(mgr.dir, id)
	mgr.info[id] = &pageInfo{freeSpace: page.FreeSpace()}
	return id, nil
}

// locatePage finds a page with at least need free bytes, in the order
// spec.md §4.2 prescribes: (a) the preallocated-page pool, (b) any other
// cached PageInfo entry, (c) a freshly allocated page. Called with mgr.mu
// held.
func (mgr *Manager) locatePage(need int) (common.PageID, error) {
	for i, id := range mgr.pool {
		if info, ok := mgr.info[id]; ok && info.freeSpace >= need {
			mgr.pool = append(mgr.pool[:i], mgr.pool[i+1:]...)
			return id, nil
		}
	}

	for id, info := range mgr.info {
		if info.freeSpace >= need {
			return id, nil
		}
	}

	return mgr.newPageLocked(PageTypeRecord)
}

func (mgr *Manager) refreshInfo(id common.PageID, page Page) {
	info, ok := mgr.info[id]
	if !ok {
		info = &pageInfo{}
		mgr.info[id] = info
	}
	info.freeSpace = page.FreeSpace()
}

func (mgr *Manager) flagDefrag(id common.PageID) {
	if info, ok := mgr.info[id]; ok {
		info.needsDefrag = true
	}
}

// dirIndex returns id's position in the page directory, or -1.
func (mgr *Manager) dirIndex(id common.PageID) int {
	for i, pid := range mgr.dir {
		if pid == id {
			return i
		}
	}
	return -1
}

func (mgr *Manager) forget(id common.PageID) {
	delete(mgr.info, id)
	if idx := mgr.dirIndex(id); idx >= 0 {
		mgr.dir = append(mgr.dir[:idx], mgr.dir[idx+1:]...)
	}
	for i, pid := range mgr.pool {
		if pid == id {
			mgr.pool = append(mgr.pool[:i], mgr.pool[i+1:]...)
			break
		}
	}
}

// Insert locates a page with room for data (per locatePage), splitting it
// 50/50 with a freshly allocated sibling if it overflows during placement,
// and returns the record's address plus whether a split occurred
// (spec.md §4.2 "insert").
func (mgr *Manager) Insert(data []byte) (common.RecordID, bool, error) {
	start := time.Now()
	payload, err := mgr.maybeCompress(data)
	if err != nil {
		mgr.record("insert", start, err)
		return 0, false, err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	rid, split, err := mgr.insertPayloadLocked(payload)
	mgr.record("insert", start, err)
	return rid, split, err
}

// insertPayloadLocked inserts an already-compressed payload, splitting on
// overflow. Called with mgr.mu held.
func (mgr *Manager) insertPayloadLocked(payload []byte) (common.RecordID, bool, error) {
	id, err := mgr.locatePage(len(payload) + slotSize)
	if err != nil {
		return 0, false, err
	}

	buf, err := mgr.fm.ReadPage(id)
	if err != nil {
		return 0, false, common.Wrap(common.KindIO, "PageManager.Insert", err)
	}
	page := Page(buf)

	// A placement that would push the page's live-data fill factor past
	// MaxFillFactor counts as an overflow and splits the page.
	if mgr.cfg.MaxFillFactor > 0 && len(page.LiveSlots()) > 0 &&
		page.FillFactor()+float64(len(payload))/float64(len(page)) > mgr.cfg.MaxFillFactor {
		return mgr.splitAndInsertLocked(id, page, payload)
	}

	slot, err := page.Insert(payload)
	if err == nil {
		if werr := mgr.fm.WritePage(id, buf); werr != nil {
			return 0, false, common.Wrap(common.KindIO, "PageManager.Insert", werr)
		}
		mgr.refreshInfo(id, page)
		return common.NewRecordID(id, slot), false, nil
	}
	if err != ErrPageFull {
		return 0, false, common.Wrap(common.KindIO, "PageManager.Insert", err)
	}

	return mgr.splitAndInsertLocked(id, page, payload)
}

// splitAndInsertLocked redistributes id's live records ≈50/50 across id
// and a freshly allocated sibling, then places payload in whichever side
// has room (spec.md §4.2 "insert", testable property 2, seed scenario S1).
func (mgr *Manager) splitAndInsertLocked(id common.PageID, page Page, payload []byte) (common.RecordID, bool, error) {
	live := page.LiveSlots()
	records := make([][]byte, 0, len(live))
	for _, slot := range live {
		rec, err := page.Select(slot)
		if err != nil {
			return 0, false, common.Wrap(common.KindIO, "PageManager.Insert", err)
		}
		records = append(records, rec)
	}

	newID, err := mgr.newPageLocked(page.Type())
	if err != nil {
		return 0, false, err
	}
	newBuf, err := mgr.fm.ReadPage(newID)
	if err != nil {
		return 0, false, common.Wrap(common.KindIO, "PageManager.Insert", err)
	}
	newPage := Page(newBuf)

	oldBuf := make([]byte, common.PageSize)
	oldPage := NewPage(oldBuf, id, page.Type())

	half := len(records) / 2
	for _, rec := range records[:half] {
		if _, err := oldPage.Insert(rec); err != nil {
			return 0, false, common.Wrap(common.KindInternal, "PageManager.Insert", err)
		}
	}
	for _, rec := range records[half:] {
		if _, err := newPage.Insert(rec); err != nil {
			return 0, false, common.Wrap(common.KindInternal, "PageManager.Insert", err)
		}
	}

	var rid common.RecordID
	placed := false
	if oldPage.FreeSpace() >= len(payload)+slotSize {
		slot, err := oldPage.Insert(payload)
		if err == nil {
			rid, placed = common.NewRecordID(id, slot), true
		}
	}
	if !placed {
		slot, err := newPage.Insert(payload)
		if err != nil {
			return 0, false, common.Wrap(common.KindInternal, "PageManager.Insert",
				errors.New("incoming record does not fit after split"))
		}
		rid = common.NewRecordID(newID, slot)
	}

	if err := mgr.fm.WritePage(id, oldBuf); err != nil {
		return 0, false, common.Wrap(common.KindIO, "PageManager.Insert", err)
	}
	if err := mgr.fm.WritePage(newID, newBuf); err != nil {
		return 0, false, common.Wrap(common.KindIO, "PageManager.Insert", err)
	}

	idx := mgr.dirIndex(id)
	if idx >= 0 {
		tail := append([]common.PageID{newID}, mgr.dir[idx+1:]...)
		mgr.dir = append(mgr.dir[:idx+1], tail...)
	}
	mgr.refreshInfo(id, oldPage)
	mgr.refreshInfo(newID, newPage)

	if mgr.metrics != nil {
		mgr.metrics.PageSplitsTotal.Inc()
	}
	mgr.log.Debug("page split").Uint64("page", uint64(id)).Uint64("sibling", uint64(newID)).Send()
	return rid, true, nil
}

// BatchInsert inserts records in chunks of cfg.BatchSize, recording a
// per-record result (including a per-record error) instead of aborting
// the whole call on the first failure (spec.md §4.2 "batch_insert").
func (mgr *Manager) BatchInsert(records [][]byte) []BatchResult {
	out := make([]BatchResult, len(records))
	batchSize := mgr.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(records)
	}
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		for i := start; i < end; i++ {
			rid, split, err := mgr.Insert(records[i])
			out[i] = BatchResult{RecordID: rid, Split: split, Err: err}
		}
	}
	return out
}

// Select scans every page the manager knows about and returns every live
// record matching pred (spec.md §4.2 "select"); a nil pred matches
// everything. Order within a page is slot order.
func (mgr *Manager) Select(pred Predicate) ([]SelectedRecord, error) {
	start := time.Now()
	mgr.mu.Lock()
	pages := append([]common.PageID(nil), mgr.dir...)
	mgr.mu.Unlock()

	var out []SelectedRecord
	for _, id := range pages {
		buf, err := mgr.fm.ReadPage(id)
		if err != nil {
			mgr.record("select", start, err)
			return nil, common.Wrap(common.KindIO, "PageManager.Select", err)
		}
		page := Page(buf)
		for _, slot := range page.LiveSlots() {
			raw, err := page.Select(slot)
			if err != nil {
				mgr.record("select", start, err)
				return nil, common.Wrap(common.KindIO, "PageManager.Select", err)
			}
			data, err := mgr.maybeDecompress(raw)
			if err != nil {
				mgr.record("select", start, err)
				return nil, err
			}
			rid := common.NewRecordID(id, slot)
			if pred == nil || pred(rid, data) {
				out = append(out, SelectedRecord{RecordID: rid, Data: data})
			}
		}
	}
	mgr.record("select", start, nil)
	return out, nil
}

// SelectOne returns the single record addressed by rid without scanning
// the rest of the file; used internally and by callers that already hold
// a RecordID (e.g. the index layer).
func (mgr *Manager) SelectOne(rid common.RecordID) ([]byte, error) {
	start := time.Now()
	buf, err := mgr.fm.ReadPage(rid.PageID())
	if err != nil {
		mgr.record("select_one", start, err)
		return nil, common.Wrap(common.KindIO, "PageManager.SelectOne", err)
	}

	page := Page(buf)
	raw, err := page.Select(rid.Slot())
	mgr.record("select_one", start, err)
	if err != nil {
		if err == ErrSlotDeleted || err == ErrSlotOutOfRange {
			return nil, common.Wrap(common.KindNotFound, "PageManager.SelectOne", err)
		}
		return nil, common.Wrap(common.KindIO, "PageManager.SelectOne", err)
	}

	return mgr.maybeDecompress(raw)
}

// Update replaces the record at rid. If the new value fits in its existing
// footprint it's rewritten in place; otherwise the old slot is tombstoned
// and the value is reinserted via Insert, which may itself trigger a split
// (spec.md §4.2 "update").
func (mgr *Manager) Update(rid common.RecordID, data []byte) (UpdateResult, error) {
	start := time.Now()
	payload, err := mgr.maybeCompress(data)
	if err != nil {
		mgr.record("update", start, err)
		return UpdateResult{}, err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	id := rid.PageID()
	buf, err := mgr.fm.ReadPage(id)
	if err != nil {
		mgr.record("update", start, err)
		return UpdateResult{}, common.Wrap(common.KindIO, "PageManager.Update", err)
	}

	page := Page(buf)
	slot, err := page.Update(rid.Slot(), payload)
	if err == nil {
		if werr := mgr.fm.WritePage(id, buf); werr != nil {
			mgr.record("update", start, werr)
			return UpdateResult{}, common.Wrap(common.KindIO, "PageManager.Update", werr)
		}
		mgr.refreshInfo(id, page)
		mgr.record("update", start, nil)
		return UpdateResult{RecordID: common.NewRecordID(id, slot), InPlace: slot == rid.Slot()}, nil
	}
	if err != ErrPageFull {
		mgr.record("update", start, err)
		return UpdateResult{}, common.Wrap(common.KindIO, "PageManager.Update", err)
	}

	// page.Update already tombstoned the old slot before it ran out of
	// room growing in place; persist that and relocate the value through
	// the normal insert path, which may split.
	if werr := mgr.fm.WritePage(id, buf); werr != nil {
		mgr.record("update", start, werr)
		return UpdateResult{}, common.Wrap(common.KindIO, "PageManager.Update", werr)
	}
	mgr.refreshInfo(id, page)
	mgr.flagDefrag(id)

	newRID, split, ierr := mgr.insertPayloadLocked(payload)
	mgr.record("update", start, ierr)
	if ierr != nil {
		return UpdateResult{}, ierr
	}
	return UpdateResult{RecordID: newRID, InPlace: false, Split: split}, nil
}

// Delete tombstones the record at rid, flags its page for defragmentation,
// and attempts a merge with a neighboring page if the resulting fill
// factor drops below cfg.MinFillFactor (spec.md §4.2 "delete").
func (mgr *Manager) Delete(rid common.RecordID) (DeleteResult, error) {
	start := time.Now()
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	id := rid.PageID()
	buf, err := mgr.fm.ReadPage(id)
	if err != nil {
		mgr.record("delete", start, err)
		return DeleteResult{}, common.Wrap(common.KindIO, "PageManager.Delete", err)
	}

	page := Page(buf)
	if err := page.Delete(rid.Slot()); err != nil {
		mgr.record("delete", start, err)
		return DeleteResult{}, common.Wrap(common.KindNotFound, "PageManager.Delete", err)
	}

	if err := mgr.fm.WritePage(id, buf); err != nil {
		mgr.record("delete", start, err)
		return DeleteResult{}, common.Wrap(common.KindIO, "PageManager.Delete", err)
	}
	mgr.refreshInfo(id, page)
	mgr.flagDefrag(id)

	merged := false
	if page.FillFactor() < mgr.cfg.MinFillFactor {
		var merr error
		merged, merr = mgr.tryMergeLocked(id, page)
		if merr != nil {
			mgr.record("delete", start, merr)
			return DeleteResult{}, merr
		}
	}

	mgr.record("delete", start, nil)
	return DeleteResult{Merged: merged}, nil
}

// tryMergeLocked attempts to fold id's surviving records into a
// neighboring page (its predecessor or successor in the page directory)
// when the combined fill factor stays under cfg.MaxFillFactor, freeing id
// back to the file manager on success.
func (mgr *Manager) tryMergeLocked(id common.PageID, page Page) (bool, error) {
	idx := mgr.dirIndex(id)
	if idx < 0 {
		return false, nil
	}

	var neighbor common.PageID
	found := false
	if idx+1 < len(mgr.dir) {
		neighbor, found = mgr.dir[idx+1], true
	} else if idx > 0 {
		neighbor, found = mgr.dir[idx-1], true
	}
	if !found {
		return false, nil
	}

	neighborBuf, err := mgr.fm.ReadPage(neighbor)
	if err != nil {
		return false, common.Wrap(common.KindIO, "PageManager.Delete", err)
	}
	neighborPage := Page(neighborBuf)
	if neighborPage.Type() != page.Type() {
		return false, nil
	}

	used := (len(page) - page.FreeSpace()) + (len(neighborPage) - neighborPage.FreeSpace())
	combinedFill := float64(used) / float64(len(page)+len(neighborPage))
	if combinedFill >= mgr.cfg.MaxFillFactor {
		return false, nil
	}

	survivorBuf := make([]byte, common.PageSize)
	survivor := NewPage(survivorBuf, neighbor, neighborPage.Type())
	for _, slot := range neighborPage.LiveSlots() {
		rec, err := neighborPage.Select(slot)
		if err != nil {
			return false, common.Wrap(common.KindIO, "PageManager.Delete", err)
		}
		if _, err := survivor.Insert(rec); err != nil {
			return false, nil // slot overhead means it doesn't actually fit; leave both pages as-is
		}
	}
	for _, slot := range page.LiveSlots() {
		rec, err := page.Select(slot)
		if err != nil {
			return false, common.Wrap(common.KindIO, "PageManager.Delete", err)
		}
		if _, err := survivor.Insert(rec); err != nil {
			return false, nil
		}
	}

	if err := mgr.fm.WritePage(neighbor, survivorBuf); err != nil {
		return false, common.Wrap(common.KindIO, "PageManager.Delete", err)
	}
	mgr.fm.FreePages(id, 1)
	mgr.forget(id)
	mgr.refreshInfo(neighbor, survivor)

	if mgr.metrics != nil {
		mgr.metrics.PageMergesTotal.Inc()
	}
	mgr.log.Debug("page merge").Uint64("emptied", uint64(id)).Uint64("survivor", uint64(neighbor)).Send()
	return true, nil
}

// Defragment compacts every page flagged "needs defragmentation" (holes
// left by deletes), reclaiming their inline free space, and returns the
// number of pages compacted (spec.md §4.2 "defragment").
func (mgr *Manager) Defragment() (int, error) {
	start := time.Now()
	mgr.mu.Lock()
	flagged := make([]common.PageID, 0)
	for id, fi := range mgr.info {
		if fi.needsDefrag {
			flagged = append(flagged, id)
		}
	}
	mgr.mu.Unlock()

	compacted := 0
	for _, id := range flagged {
		buf, err := mgr.fm.ReadPage(id)
		if err != nil {
			mgr.record("defragment", start, err)
			return compacted, common.Wrap(common.KindIO, "PageManager.Defragment", err)
		}
		page := Page(buf)
		reclaimed := page.Defragment()
		if err := mgr.fm.WritePage(id, buf); err != nil {
			mgr.record("defragment", start, err)
			return compacted, common.Wrap(common.KindIO, "PageManager.Defragment", err)
		}

		mgr.mu.Lock()
		mgr.refreshInfo(id, page)
		if fi, ok := mgr.info[id]; ok {
			fi.needsDefrag = false
		}
		mgr.mu.Unlock()

		if reclaimed > 0 {
			compacted++
			if mgr.metrics != nil {
				mgr.metrics.PageDefragsTotal.Inc()
			}
		}
	}

	mgr.record("defragment", start, nil)
	return compacted, nil
}

// FillFactor reports the live-data fraction of page id.
func (mgr *Manager) FillFactor(id common.PageID) (float64, error) {
	buf, err := mgr.fm.ReadPage(id)
	if err != nil {
		return 0, common.Wrap(common.KindIO, "PageManager.FillFactor", err)
	}
	return Page(buf).FillFactor(), nil
}

func (mgr *Manager) maybeCompress(data []byte) ([]byte, error) {
	if !mgr.cfg.EnableCompression {
		return data, nil
	}
	out, err := common.CompressPayload(mgr.cfg.CompressionAlgorithm, data)
	if err != nil {
		return nil, common.Wrap(common.KindIO, "PageManager.compress", err)
	}
	return out, nil
}

func (mgr *Manager) maybeDecompress(data []byte) ([]byte, error) {
	if !mgr.cfg.EnableCompression {
		return data, nil
	}
	out, err := common.DecompressPayload(mgr.cfg.CompressionAlgorithm, data)
	if err != nil {
		return nil, common.Wrap(common.KindCorruption, "PageManager.decompress", err)
	}
	return out, nil
}

package filemanager

import (
	"container/list"

	"github.com/nainya/reldb/internal/common"
)

// pageCache is a FIFO cache of raw page bytes. Pinned pages are skipped by
// eviction regardless of queue position (spec.md §5: "Page cache eviction
// is FIFO among unpinned pages"). Adapted from the teacher pack's LRU
// pager cache, swapping MoveToFront-on-access for pure insertion order.
type pageCache struct {
	capacity int
	queue    *list.List // front = oldest
	elems    map[common.PageID]*list.Element
	data     map[common.PageID][]byte
	dirty    map[common.PageID]bool
	pinned   map[common.PageID]int // pin count
}

func newPageCache(capacity int) *pageCache {
	return &pageCache{
		capacity: capacity,
		queue:    list.New(),
		elems:    make(map[common.PageID]*list.Element),
		data:     make(map[common.PageID][]byte),
		dirty:    make(map[common.PageID]bool),
		pinned:   make(map[common.PageID]int),
	}
}

func (c *pageCache) get(id common.PageID) ([]byte, bool) {
	buf, ok := c.data[id]
	return buf, ok
}

// put inserts or replaces a page's cached bytes, evicting the oldest
// unpinned entry if the cache is at capacity. evicted reports a page that
// must be flushed by the caller before this call's effects are visible.
func (c *pageCache) put(id common.PageID, buf []byte) (evicted common.PageID, evictedDirty bool, hasEviction bool) {
	if _, exists := c.data[id]; exists {
		c.data[id] = buf
		return 0, false, false
	}

	if c.capacity > 0 && len(c.data) >= c.capacity {
		if victim, ok := c.evictOldestUnpinned(); ok {
			evicted = victim
			evictedDirty = c.dirty[victim]
			hasEviction = true
			c.remove(victim)
		}
	}

	c.data[id] = buf
	c.elems[id] = c.queue.PushBack(id)
	return evicted, evictedDirty, hasEviction
}

func (c *pageCache) evictOldestUnpinned() (common.PageID, bool) {
	for e := c.queue.Front(); e != nil; e = e.Next() {
		id := e.Value.(common.PageID)
		if c.pinned[id] > 0 {
			continue
		}
		return id, true
	}
	return 0, false
}

func (c *pageCache) remove(id common.PageID) {
	if e, ok := c.elems[id]; ok {
		c.queue.Remove(e)
		delete(c.elems, id)
	}
	delete(c.data, id)
	delete(c.dirty, id)
	delete(c.pinned, id)
}

func (c *pageCache) markDirty(id common.PageID) {
	c.dirty[id] = true
}

func (c *pageCache) pin(id common.PageID) {
	c.pinned[id]++
}

func (c *pageCache) unpin(id common.PageID) {
	if c.pinned[id] > 0 {
		c.pinned[id]--
	}
}

// dirtyPages returns every page id currently marked dirty.
func (c *pageCache) dirtyPages() []common.PageID {
	ids := make([]common.PageID, 0, len(c.dirty))
	for id, d := range c.dirty {
		if d {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *pageCache) clearDirty(id common.PageID) {
	delete(c.dirty, id)
}

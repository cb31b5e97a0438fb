package lsm

import (
	"container/list"
	"sync"

	"github.com/mosquito/golsm/utils"
)

// blockCache keeps decoded data blocks keyed by page number. Runs are
// immutable, so a cached block never goes stale; eviction is plain LRU.
type blockCache struct {
	mu   sync.Mutex
	data map[uint64]*list.Element
	cap  int
	list *list.List
}

type cacheItem struct {
	pgno    uint64
	entries []*utils.Entry
}

func newBlockCache(capacity int) *blockCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &blockCache{
		data: make(map[uint64]*list.Element),
		cap:  capacity,
		list: list.New(),
	}
}

func (c *blockCache) get(pgno uint64) ([]*utils.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.data[pgno]
	if !ok {
		return nil, false
	}
	c.list.MoveToFront(elem)
	return elem.Value.(*cacheItem).entries, true
}

func (c *blockCache) add(pgno uint64, entries []*utils.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.data[pgno]; ok {
		c.list.MoveToFront(elem)
		elem.Value.(*cacheItem).entries = entries
		return
	}
	if c.list.Len() >= c.cap {
		back := c.list.Back()
		item := back.Value.(*cacheItem)
		delete(c.data, item.pgno)
		c.list.Remove(back)
	}
	c.data[pgno] = c.list.PushFront(&cacheItem{pgno: pgno, entries: entries})
}

// drop removes blocks of reclaimed pages so a future run reusing the page
// number cannot read stale entries.
func (c *blockCache) drop(pgnos []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pgno := range pgnos {
		if elem, ok := c.data[pgno]; ok {
			delete(c.data, pgno)
			c.list.Remove(elem)
		}
	}
}

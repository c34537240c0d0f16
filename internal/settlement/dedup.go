package settlement

import (
	"container/list"
)

// DBChecker is the durable tier of settled-market deduplication.
type DBChecker interface {
	IsSettled(matchID, marketID string) (bool, error)
}

// Dedup is a two-tier settled-market guard: an in-memory LRU on the hot
// path, backed by the settled_markets table for markets settled before a
// restart. Guarded by the engine's mutex, so not locked here.
type Dedup struct {
	lru       *marketLRU
	dbChecker DBChecker
}

func NewDedup(capacity int, dbChecker DBChecker) *Dedup {
	return &Dedup{
		lru:       newMarketLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsSettled reports whether a market has already been settled. A DB error
// on the cold path is treated as not-settled: the per-bet state machine
// still rejects double transitions, so re-settling is harmless.
func (d *Dedup) IsSettled(matchID, marketID string) bool {
	key := matchID + "/" + marketID

	if d.lru.Contains(key) {
		return true
	}

	if d.dbChecker != nil {
		settled, err := d.dbChecker.IsSettled(matchID, marketID)
		if err != nil {
			return false
		}
		if settled {
			d.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkSettled records a market after all its bets have been processed.
func (d *Dedup) MarkSettled(matchID, marketID string) {
	d.lru.Add(matchID + "/" + marketID)
}

// Size returns current LRU occupancy.
func (d *Dedup) Size() int {
	return d.lru.Size()
}

// marketLRU is a plain LRU over market keys.
type marketLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	key string
}

func newMarketLRU(capacity int) *marketLRU {
	return &marketLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *marketLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *marketLRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}

	elem := l.order.PushFront(&lruEntry{key: key})
	l.cache[key] = elem

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.cache, oldest.Value.(*lruEntry).key)
		}
	}
}

func (l *marketLRU) Size() int {
	return l.order.Len()
}

package cache

import (
	"container/heap"
	"container/list"
	"fmt"
	"time"
)

// Strategy decides which entry to evict when the cache needs space. The
// cache calls every method under its own lock, so implementations hold no
// locks of their own.
//
// Evict both selects the victim and applies the policy-side bookkeeping for
// a capacity eviction (ARC moves the key into a ghost list). OnRemove is for
// explicit deletes and expirations, which leave no ghost behind.
type Strategy interface {
	Name() string
	OnInsert(key string, expiresAt time.Time)
	OnAccess(key string)
	OnRemove(key string)
	Evict() (string, bool)
	Clear()
}

// newStrategy builds the named eviction strategy. Capacity is the cache's
// maximum item count; ARC uses it to size its lists.
func newStrategy(name string, capacity int) (Strategy, error) {
	switch name {
	case "lru":
		return newLRUStrategy(), nil
	case "lfu":
		return newLFUStrategy(), nil
	case "ttl":
		return newTTLStrategy(), nil
	case "arc":
		return newARCStrategy(capacity), nil
	default:
		return nil, fmt.Errorf("unknown eviction strategy: %s", name)
	}
}

// lruStrategy evicts the least recently used entry.
type lruStrategy struct {
	order *list.List // front = most recent
	elems map[string]*list.Element
}

func newLRUStrategy() *lruStrategy {
	return &lruStrategy{
		order: list.New(),
		elems: make(map[string]*list.Element),
	}
}

func (s *lruStrategy) Name() string { return "lru" }

func (s *lruStrategy) OnInsert(key string, _ time.Time) {
	s.elems[key] = s.order.PushFront(key)
}

func (s *lruStrategy) OnAccess(key string) {
	if elem, ok := s.elems[key]; ok {
		s.order.MoveToFront(elem)
	}
}

func (s *lruStrategy) OnRemove(key string) {
	if elem, ok := s.elems[key]; ok {
		s.order.Remove(elem)
		delete(s.elems, key)
	}
}

func (s *lruStrategy) Evict() (string, bool) {
	back := s.order.Back()
	if back == nil {
		return "", false
	}
	key := back.Value.(string)
	s.order.Remove(back)
	delete(s.elems, key)
	return key, true
}

func (s *lruStrategy) Clear() {
	s.order.Init()
	s.elems = make(map[string]*list.Element)
}

// lfuStrategy evicts the least frequently used entry, breaking ties by
// recency within the lowest frequency bucket.
type lfuStrategy struct {
	freqs   map[string]int
	buckets map[int]*list.List // per-frequency, front = oldest
	elems   map[string]*list.Element
	minFreq int
}

func newLFUStrategy() *lfuStrategy {
	return &lfuStrategy{
		freqs:   make(map[string]int),
		buckets: make(map[int]*list.List),
		elems:   make(map[string]*list.Element),
	}
}

func (s *lfuStrategy) Name() string { return "lfu" }

func (s *lfuStrategy) bucket(freq int) *list.List {
	b, ok := s.buckets[freq]
	if !ok {
		b = list.New()
		s.buckets[freq] = b
	}
	return b
}

func (s *lfuStrategy) OnInsert(key string, _ time.Time) {
	s.freqs[key] = 1
	s.elems[key] = s.bucket(1).PushBack(key)
	s.minFreq = 1
}

func (s *lfuStrategy) OnAccess(key string) {
	freq, ok := s.freqs[key]
	if !ok {
		return
	}
	s.bucket(freq).Remove(s.elems[key])
	if s.bucket(freq).Len() == 0 {
		delete(s.buckets, freq)
		if s.minFreq == freq {
			s.minFreq++
		}
	}
	s.freqs[key] = freq + 1
	s.elems[key] = s.bucket(freq + 1).PushBack(key)
}

func (s *lfuStrategy) OnRemove(key string) {
	freq, ok := s.freqs[key]
	if !ok {
		return
	}
	s.bucket(freq).Remove(s.elems[key])
	if s.bucket(freq).Len() == 0 {
		delete(s.buckets, freq)
	}
	delete(s.freqs, key)
	delete(s.elems, key)
}

func (s *lfuStrategy) Evict() (string, bool) {
	if len(s.freqs) == 0 {
		return "", false
	}
	// minFreq can go stale after removals; advance to the next occupied bucket
	for s.buckets[s.minFreq] == nil || s.buckets[s.minFreq].Len() == 0 {
		delete(s.buckets, s.minFreq)
		s.minFreq++
	}
	front := s.buckets[s.minFreq].Front()
	key := front.Value.(string)
	s.OnRemove(key)
	return key, true
}

func (s *lfuStrategy) Clear() {
	s.freqs = make(map[string]int)
	s.buckets = make(map[int]*list.List)
	s.elems = make(map[string]*list.Element)
	s.minFreq = 0
}

// ttlStrategy evicts the entry closest to expiry. Entries without a TTL sit
// in an LRU fallback used once no expiring entries remain.
type ttlStrategy struct {
	expiring expiryHeap
	items    map[string]*expiryItem
	fallback *lruStrategy
}

type expiryItem struct {
	key       string
	expiresAt time.Time
	index     int
}

type expiryHeap []*expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expiryHeap) Push(x interface{}) { item := x.(*expiryItem); item.index = len(*h); *h = append(*h, item) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func newTTLStrategy() *ttlStrategy {
	return &ttlStrategy{
		items:    make(map[string]*expiryItem),
		fallback: newLRUStrategy(),
	}
}

func (s *ttlStrategy) Name() string { return "ttl" }

func (s *ttlStrategy) OnInsert(key string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		s.fallback.OnInsert(key, time.Time{})
		return
	}
	item := &expiryItem{key: key, expiresAt: expiresAt}
	heap.Push(&s.expiring, item)
	s.items[key] = item
}

func (s *ttlStrategy) OnAccess(key string) {
	// expiry is fixed at insert; only the fallback cares about recency
	if _, ok := s.items[key]; !ok {
		s.fallback.OnAccess(key)
	}
}

func (s *ttlStrategy) OnRemove(key string) {
	if item, ok := s.items[key]; ok {
		heap.Remove(&s.expiring, item.index)
		delete(s.items, key)
		return
	}
	s.fallback.OnRemove(key)
}

func (s *ttlStrategy) Evict() (string, bool) {
	if s.expiring.Len() > 0 {
		item := heap.Pop(&s.expiring).(*expiryItem)
		delete(s.items, item.key)
		return item.key, true
	}
	return s.fallback.Evict()
}

func (s *ttlStrategy) Clear() {
	s.expiring = nil
	s.items = make(map[string]*expiryItem)
	s.fallback.Clear()
}

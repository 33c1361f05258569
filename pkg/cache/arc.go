package cache

import (
	"container/list"
	"time"
)

// arcStrategy implements adaptive replacement caching. Resident keys live in
// t1 (seen once) or t2 (seen at least twice); recently evicted keys leave
// ghosts in b1 and b2. A hit on a ghost shifts the target size p for t1,
// steering the balance between recency and frequency. Ghost lists are capped
// at the cache's item capacity.
type arcStrategy struct {
	capacity int
	p        int // target size for t1, 0 <= p <= capacity

	t1 *arcList // resident, seen once
	t2 *arcList // resident, seen twice or more
	b1 *arcList // ghosts of t1 evictions
	b2 *arcList // ghosts of t2 evictions
}

type arcList struct {
	order *list.List // front = most recent
	elems map[string]*list.Element
}

func newARCList() *arcList {
	return &arcList{order: list.New(), elems: make(map[string]*list.Element)}
}

func (l *arcList) has(key string) bool {
	_, ok := l.elems[key]
	return ok
}

func (l *arcList) pushFront(key string) {
	l.elems[key] = l.order.PushFront(key)
}

func (l *arcList) moveToFront(key string) {
	if elem, ok := l.elems[key]; ok {
		l.order.MoveToFront(elem)
	}
}

func (l *arcList) remove(key string) bool {
	elem, ok := l.elems[key]
	if !ok {
		return false
	}
	l.order.Remove(elem)
	delete(l.elems, key)
	return true
}

// popBack removes and returns the least recent key.
func (l *arcList) popBack() (string, bool) {
	back := l.order.Back()
	if back == nil {
		return "", false
	}
	key := back.Value.(string)
	l.order.Remove(back)
	delete(l.elems, key)
	return key, true
}

func (l *arcList) len() int { return l.order.Len() }

func (l *arcList) init() {
	l.order.Init()
	l.elems = make(map[string]*list.Element)
}

func newARCStrategy(capacity int) *arcStrategy {
	if capacity < 1 {
		capacity = 1
	}
	return &arcStrategy{
		capacity: capacity,
		t1:       newARCList(),
		t2:       newARCList(),
		b1:       newARCList(),
		b2:       newARCList(),
	}
}

func (s *arcStrategy) Name() string { return "arc" }

func (s *arcStrategy) OnInsert(key string, _ time.Time) {
	switch {
	case s.b1.remove(key):
		// recency ghost hit: grow the recency side
		s.p = min(s.p+1, s.capacity)
		s.t2.pushFront(key)
	case s.b2.remove(key):
		// frequency ghost hit: shrink it
		s.p = max(s.p-1, 0)
		s.t2.pushFront(key)
	default:
		s.t1.pushFront(key)
	}
}

func (s *arcStrategy) OnAccess(key string) {
	if s.t1.remove(key) {
		s.t2.pushFront(key)
		return
	}
	s.t2.moveToFront(key)
}

func (s *arcStrategy) OnRemove(key string) {
	if !s.t1.remove(key) {
		s.t2.remove(key)
	}
}

// Evict removes the policy's victim from the resident lists and records it
// as a ghost.
func (s *arcStrategy) Evict() (string, bool) {
	fromT1 := s.t1.len() > s.p || s.t2.len() == 0
	if s.t1.len() == 0 {
		fromT1 = false
	}

	if fromT1 {
		key, ok := s.t1.popBack()
		if !ok {
			return "", false
		}
		s.b1.pushFront(key)
		s.trimGhosts()
		return key, true
	}

	key, ok := s.t2.popBack()
	if !ok {
		return "", false
	}
	s.b2.pushFront(key)
	s.trimGhosts()
	return key, true
}

func (s *arcStrategy) trimGhosts() {
	for s.b1.len() > s.capacity {
		s.b1.popBack()
	}
	for s.b2.len() > s.capacity {
		s.b2.popBack()
	}
}

func (s *arcStrategy) Clear() {
	s.t1.init()
	s.t2.init()
	s.b1.init()
	s.b2.init()
	s.p = 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

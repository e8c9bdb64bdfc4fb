package leaderboard

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"sipkit/core"
)

// SkipList is an indexable skip list ordered by (score desc, user asc). Each
// forward link records how many bottom-level nodes it jumps, so rank lookups
// and pagination are O(log n) as well as updates.

const maxLevel = 16
const pFactor = 0.25

type link struct {
	next *node
	span int
}

type node struct {
	e  Entry
	lv []link
}

type SkipList struct {
	mu     sync.RWMutex
	head   *node
	height int
	length int
	byUser map[core.UserID]*node
	rng    *rand.Rand
}

func NewSkipList() *SkipList {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		seed = [16]byte{}
	}
	return &SkipList{
		head:   &node{lv: make([]link, maxLevel)},
		height: 1,
		byUser: map[core.UserID]*node{},
		rng:    rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:]))),
	}
}

func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rng.Float64() < pFactor {
		lvl++
	}
	return lvl
}

func less(a, b Entry) bool {
	if a.Score == b.Score {
		return a.User < b.User
	}
	return a.Score > b.Score
}

// Update sets the user's score, inserting or moving the entry.
func (s *SkipList) Update(user core.UserID, score int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(user, score)
}

// Add changes the user's score by delta and returns the new score.
func (s *SkipList) Add(user core.UserID, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if n, ok := s.byUser[user]; ok {
		cur = n.e.Score
	}
	s.setLocked(user, cur+delta)
	return cur + delta
}

func (s *SkipList) setLocked(user core.UserID, score int64) {
	if old, ok := s.byUser[user]; ok {
		if old.e.Score == score {
			return
		}
		s.deleteLocked(old.e)
	}
	s.insertLocked(Entry{User: user, Score: score})
}

func (s *SkipList) insertLocked(e Entry) {
	var update [maxLevel]*node
	var rank [maxLevel]int
	x := s.head
	for i := s.height - 1; i >= 0; i-- {
		if i < s.height-1 {
			rank[i] = rank[i+1]
		}
		for x.lv[i].next != nil && less(x.lv[i].next.e, e) {
			rank[i] += x.lv[i].span
			x = x.lv[i].next
		}
		update[i] = x
	}
	lvl := s.randomLevel()
	if lvl > s.height {
		for i := s.height; i < lvl; i++ {
			rank[i] = 0
			update[i] = s.head
			s.head.lv[i].span = s.length
		}
		s.height = lvl
	}
	n := &node{e: e, lv: make([]link, lvl)}
	for i := 0; i < lvl; i++ {
		n.lv[i].next = update[i].lv[i].next
		update[i].lv[i].next = n
		n.lv[i].span = update[i].lv[i].span - (rank[0] - rank[i])
		update[i].lv[i].span = rank[0] - rank[i] + 1
	}
	for i := lvl; i < s.height; i++ {
		update[i].lv[i].span++
	}
	s.length++
	s.byUser[e.User] = n
}

func (s *SkipList) deleteLocked(e Entry) {
	var update [maxLevel]*node
	x := s.head
	for i := s.height - 1; i >= 0; i-- {
		for x.lv[i].next != nil && less(x.lv[i].next.e, e) {
			x = x.lv[i].next
		}
		update[i] = x
	}
	target := x.lv[0].next
	if target == nil || target.e.User != e.User {
		return
	}
	for i := 0; i < s.height; i++ {
		if update[i].lv[i].next == target {
			update[i].lv[i].span += target.lv[i].span - 1
			update[i].lv[i].next = target.lv[i].next
		} else {
			update[i].lv[i].span--
		}
	}
	for s.height > 1 && s.head.lv[s.height-1].next == nil {
		s.height--
	}
	s.length--
	delete(s.byUser, e.User)
}

func (s *SkipList) Remove(user core.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byUser[user]; ok {
		s.deleteLocked(n.e)
	}
}

func (s *SkipList) TopN(n int) []Entry { return s.Page(0, n) }

// Page returns up to limit entries starting after the first offset entries.
func (s *SkipList) Page(offset, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || offset < 0 || offset >= s.length {
		return nil
	}
	traversed := 0
	x := s.head
	for i := s.height - 1; i >= 0; i-- {
		for x.lv[i].next != nil && traversed+x.lv[i].span <= offset {
			traversed += x.lv[i].span
			x = x.lv[i].next
		}
	}
	out := make([]Entry, 0, min(limit, s.length-offset))
	for cur := x.lv[0].next; cur != nil && len(out) < limit; cur = cur.lv[0].next {
		e := cur.e
		e.Rank = offset + len(out) + 1
		out = append(out, e)
	}
	return out
}

// Get returns the user's entry with its 1-based rank.
func (s *SkipList) Get(user core.UserID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byUser[user]
	if !ok {
		return Entry{}, false
	}
	rank := 0
	x := s.head
	for i := s.height - 1; i >= 0; i-- {
		for x.lv[i].next != nil && (x.lv[i].next == n || less(x.lv[i].next.e, n.e)) {
			rank += x.lv[i].span
			x = x.lv[i].next
		}
		if x == n {
			break
		}
	}
	e := n.e
	e.Rank = rank
	return e, true
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

var _ Board = (*SkipList)(nil)

package odb

import (
	"math/rand/v2"
)

const (
	skipMaxLevel = 24
	skipP        = 0.25
)

// skipList is an ordered map. It is not safe for concurrent mutation; table
// locks provide the exclusion.
type skipList[K, V any] struct {
	cmp   func(a, b K) int
	head  *skipNode[K, V]
	level int
	len   int
	rand  *rand.Rand
}

type skipNode[K, V any] struct {
	key   K
	value V
	next  []*skipNode[K, V]
}

func newSkipList[K, V any](cmp func(a, b K) int) *skipList[K, V] {
	return &skipList[K, V]{
		cmp:   cmp,
		head:  &skipNode[K, V]{next: make([]*skipNode[K, V], skipMaxLevel)},
		level: 1,
		rand:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (s *skipList[K, V]) Len() int {
	return s.len
}

func (s *skipList[K, V]) Clear() {
	clear(s.head.next)
	s.level = 1
	s.len = 0
}

func (s *skipList[K, V]) randomLevel() int {
	level := 1
	for level < skipMaxLevel && s.rand.Float64() < skipP {
		level++
	}
	return level
}

// findPrev fills update with the rightmost node on each level that is
// strictly before key, and returns the level-0 successor.
func (s *skipList[K, V]) findPrev(key K, update []*skipNode[K, V]) *skipNode[K, V] {
	curr := s.head
	for i := s.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && s.cmp(curr.next[i].key, key) < 0 {
			curr = curr.next[i]
		}
		if update != nil {
			update[i] = curr
		}
	}
	return curr.next[0]
}

func (s *skipList[K, V]) Get(key K) (V, bool) {
	n := s.findPrev(key, nil)
	if n != nil && s.cmp(n.key, key) == 0 {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value stored under key.
func (s *skipList[K, V]) Set(key K, value V) (old V, replaced bool) {
	var update [skipMaxLevel]*skipNode[K, V]
	n := s.findPrev(key, update[:])
	if n != nil && s.cmp(n.key, key) == 0 {
		old, n.value = n.value, value
		return old, true
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level; i < level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	e := &skipNode[K, V]{
		key:   key,
		value: value,
		next:  make([]*skipNode[K, V], level),
	}
	for i := range level {
		e.next[i] = update[i].next[i]
		update[i].next[i] = e
	}
	s.len++
	return old, false
}

func (s *skipList[K, V]) Delete(key K) (V, bool) {
	var update [skipMaxLevel]*skipNode[K, V]
	n := s.findPrev(key, update[:])
	if n == nil || s.cmp(n.key, key) != 0 {
		var zero V
		return zero, false
	}
	for i := range len(n.next) {
		if update[i].next[i] == n {
			update[i].next[i] = n.next[i]
		}
	}
	for s.level > 1 && s.head.next[s.level-1] == nil {
		s.level--
	}
	s.len--
	return n.value, true
}

func (s *skipList[K, V]) First() *skipNode[K, V] {
	return s.head.next[0]
}

func (s *skipList[K, V]) Last() *skipNode[K, V] {
	curr := s.head
	for i := s.level - 1; i >= 0; i-- {
		for curr.next[i] != nil {
			curr = curr.next[i]
		}
	}
	if curr == s.head {
		return nil
	}
	return curr
}

// Seek returns the first node for which before reports false. before must be
// monotonic: true for a prefix of the list and false afterwards.
func (s *skipList[K, V]) Seek(before func(key K) bool) *skipNode[K, V] {
	curr := s.head
	for i := s.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && before(curr.next[i].key) {
			curr = curr.next[i]
		}
	}
	return curr.next[0]
}

func (n *skipNode[K, V]) Next() *skipNode[K, V] {
	return n.next[0]
}

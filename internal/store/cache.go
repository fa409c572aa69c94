package store

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/opencontainers/go-digest"
)

// evictionList orders unpinned entries by recency. It is not safe for
// concurrent use; LocalStore guards it with its mutex.
type evictionList struct {
	lru *simplelru.LRU[digest.Digest, struct{}]
}

func newEvictionList() *evictionList {
	// Capacity is enforced in bytes by the store, not by count.
	lru, err := simplelru.NewLRU[digest.Digest, struct{}](math.MaxInt, nil)
	if err != nil {
		panic(err)
	}
	return &evictionList{lru: lru}
}

// Touch marks d as most recently used, adding it if absent.
func (l *evictionList) Touch(d digest.Digest) {
	l.lru.Add(d, struct{}{})
}

// Remove drops d from the list.
func (l *evictionList) Remove(d digest.Digest) {
	l.lru.Remove(d)
}

// Contains reports whether d is evictable.
func (l *evictionList) Contains(d digest.Digest) bool {
	return l.lru.Contains(d)
}

// Oldest removes and returns the least recently used entry.
func (l *evictionList) Oldest() (digest.Digest, bool) {
	d, _, ok := l.lru.RemoveOldest()
	return d, ok
}

// Len returns the number of evictable entries.
func (l *evictionList) Len() int {
	return l.lru.Len()
}
